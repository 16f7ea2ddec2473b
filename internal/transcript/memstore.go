package transcript

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Entries are kept in insertion order.
type MemStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore { return &MemStore{} }

// Add appends e.
func (s *MemStore) Add(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// All returns a copy of every entry.
func (s *MemStore) All(_ context.Context) ([]Entry, error) {
	return s.match(func(Entry) bool { return true }), nil
}

// ByGuild returns the entries recorded in guildID.
func (s *MemStore) ByGuild(_ context.Context, guildID string) ([]Entry, error) {
	return s.match(func(e Entry) bool { return e.GuildID == guildID }), nil
}

// ByUser returns the entries userID produced in guildID.
func (s *MemStore) ByUser(_ context.Context, guildID, userID string) ([]Entry, error) {
	return s.match(func(e Entry) bool {
		return e.GuildID == guildID && e.UserID == userID
	}), nil
}

// ByTimeRange returns the guild's entries within [from, to].
func (s *MemStore) ByTimeRange(_ context.Context, guildID string, from, to time.Time) ([]Entry, error) {
	return s.match(func(e Entry) bool {
		return e.GuildID == guildID && InRange(e.Timestamp, from, to)
	}), nil
}

// ClearGuild removes the guild's entries.
func (s *MemStore) ClearGuild(_ context.Context, guildID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	s.entries = slices.DeleteFunc(s.entries, func(e Entry) bool { return e.GuildID == guildID })
	return before - len(s.entries), nil
}

// ClearAll removes every entry.
func (s *MemStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

// Count returns the number of stored entries.
func (s *MemStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Ping always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemStore) Close() error { return nil }

func (s *MemStore) match(keep func(Entry) bool) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filter(s.entries, keep)
}
