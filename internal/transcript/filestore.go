package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore persists entries as JSON lines in a local file and serves reads
// from memory. The log is replayed when the store is opened. Clearing
// rewrites the file.
//
// FileStore is suitable for a single process. Thread-safe for concurrent use.
type FileStore struct {
	mem  *MemStore
	path string
	f    *os.File
}

// OpenFileStore opens (or creates) the log at path and replays it.
func OpenFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript: create dir: %w", err)
		}
	}
	mem := NewMemStore()
	if err := replay(path, mem); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transcript: open file: %w", err)
	}
	return &FileStore{mem: mem, path: path, f: f}, nil
}

func replay(path string, into *MemStore) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transcript: read file: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("transcript: %s line %d: %w", path, line, err)
		}
		into.entries = append(into.entries, e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("transcript: scan file: %w", err)
	}
	return nil
}

// Add appends e to the log and to the in-memory index.
func (s *FileStore) Add(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("transcript: marshal: %w", err)
	}
	data = append(data, '\n')

	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("transcript: write: %w", fs.ErrClosed)
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	s.mem.entries = append(s.mem.entries, e)
	return nil
}

// All returns every entry.
func (s *FileStore) All(ctx context.Context) ([]Entry, error) { return s.mem.All(ctx) }

// ByGuild returns the entries recorded in guildID.
func (s *FileStore) ByGuild(ctx context.Context, guildID string) ([]Entry, error) {
	return s.mem.ByGuild(ctx, guildID)
}

// ByUser returns the entries userID produced in guildID.
func (s *FileStore) ByUser(ctx context.Context, guildID, userID string) ([]Entry, error) {
	return s.mem.ByUser(ctx, guildID, userID)
}

// ByTimeRange returns the guild's entries within [from, to].
func (s *FileStore) ByTimeRange(ctx context.Context, guildID string, from, to time.Time) ([]Entry, error) {
	return s.mem.ByTimeRange(ctx, guildID, from, to)
}

// ClearGuild removes the guild's entries and rewrites the log.
func (s *FileStore) ClearGuild(ctx context.Context, guildID string) (int, error) {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	kept := filter(s.mem.entries, func(e Entry) bool { return e.GuildID != guildID })
	n := len(s.mem.entries) - len(kept)
	if n == 0 {
		return 0, nil
	}
	if err := s.rewrite(kept); err != nil {
		return 0, err
	}
	s.mem.entries = kept
	return n, nil
}

// ClearAll truncates the log.
func (s *FileStore) ClearAll(ctx context.Context) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if err := s.rewrite(nil); err != nil {
		return err
	}
	s.mem.entries = nil
	return nil
}

// Count returns the number of stored entries.
func (s *FileStore) Count(ctx context.Context) (int, error) { return s.mem.Count(ctx) }

// Ping reports whether the log file is still open.
func (s *FileStore) Ping(context.Context) error {
	s.mem.mu.RLock()
	defer s.mem.mu.RUnlock()
	if s.f == nil {
		return fmt.Errorf("transcript: ping: %w", fs.ErrClosed)
	}
	return nil
}

// Close closes the log file. Later writes fail.
func (s *FileStore) Close() error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// rewrite atomically replaces the log with entries. Callers hold mem.mu.
func (s *FileStore) rewrite(entries []Entry) error {
	if s.f == nil {
		return fmt.Errorf("transcript: rewrite: %w", fs.ErrClosed)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("transcript: marshal: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("transcript: rewrite: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("transcript: rewrite: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: reopen: %w", err)
	}
	_ = s.f.Close()
	s.f = f
	return nil
}
