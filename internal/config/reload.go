package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reloader re-reads a config file while earshot runs and hands each valid,
// materially different version to a callback. Detection thresholds,
// dispatch timeout, vocabulary and log level take effect on the next
// utterance; everything else is reported as needing a restart.
type Reloader struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config, d ConfigDiff)

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte
}

// ReloaderOption configures a [Reloader].
type ReloaderOption func(*Reloader)

// WithInterval sets how often [Reloader.Run] checks the file. Default: 5s.
func WithInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewReloader loads path once and returns a Reloader primed with it. apply
// may be nil.
func NewReloader(path string, apply func(old, new *Config, d ConfigDiff), opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{path: path, interval: 5 * time.Second, apply: apply}
	for _, opt := range opts {
		opt(r)
	}
	cfg, mod, sum, err := r.read()
	if err != nil {
		return nil, fmt.Errorf("config: reloader: %w", err)
	}
	r.current, r.modTime, r.sum = cfg, mod, sum
	return r, nil
}

// Current returns the last valid config.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Run checks the file every interval until ctx is done. Failed checks are
// logged and the previous config stays in effect.
func (r *Reloader) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Check(); err != nil {
				slog.Warn("config: reload failed, keeping previous config", "path", r.path, "err", err)
			}
		}
	}
}

// Check reloads the file if its modification time moved. It reports whether
// apply was called. A rewrite with identical bytes, or one whose only edits
// have no effect (comments, reordering), is absorbed silently.
func (r *Reloader) Check() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	same := info.ModTime().Equal(r.modTime)
	r.mu.Unlock()
	if same {
		return false, nil
	}

	cfg, mod, sum, err := r.read()
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	old := r.current
	r.modTime = mod
	if sum == r.sum {
		r.mu.Unlock()
		return false, nil
	}
	r.sum = sum
	r.current = cfg
	r.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		return false, nil
	}
	slog.Info("config: reloaded",
		"path", r.path,
		"log_level", d.LogLevelChanged,
		"detection", d.DetectionChanged,
		"dispatch", d.DispatchChanged,
		"vocabulary", d.VocabularyChanged,
		"restart_required", d.RestartRequired,
	)
	if r.apply != nil {
		r.apply(old, cfg, d)
	}
	return true, nil
}

func (r *Reloader) read() (*Config, time.Time, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, time.Time{}, sum, err
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, time.Time{}, sum, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, time.Time{}, sum, err
	}
	return cfg, info.ModTime(), sha256.Sum256(data), nil
}
