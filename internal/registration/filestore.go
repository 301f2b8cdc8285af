package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists the queue as a single JSON document keyed
// "{sessionId}:{userId}", rewritten atomically (temp file + rename) on
// every mutation. Suited to single-user deployments without Postgres.
var _ Store = (*FileStore)(nil)

type FileStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]Pending
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, entries: map[string]Pending{}}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("filestore: load %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &s.entries)
}

// flush rewrites the whole document. Caller holds s.mu.
func (s *FileStore) flush() error {
	b, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Enqueue(_ context.Context, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[p.Key()]; ok {
		return nil
	}
	p.Status = StatusQueued
	s.entries[p.Key()] = p
	return s.flush()
}

func (s *FileStore) Reschedule(_ context.Context, sessionID, userID int64, opensAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Key(sessionID, userID)
	p, ok := s.entries[k]
	if !ok {
		return nil
	}
	p.OpensAt = opensAt
	s.entries[k] = p
	return s.flush()
}

func (s *FileStore) Remove(_ context.Context, sessionID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Key(sessionID, userID)
	if _, ok := s.entries[k]; !ok {
		return nil
	}
	delete(s.entries, k)
	return s.flush()
}

func (s *FileStore) List(_ context.Context) ([]Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pending, 0, len(s.entries))
	for _, p := range s.entries {
		out = append(out, p)
	}
	return out, nil
}

func (s *FileStore) Claim(_ context.Context, sessionID, userID int64) (Pending, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Key(sessionID, userID)
	p, ok := s.entries[k]
	if !ok || p.Status != StatusQueued {
		return Pending{}, false, nil
	}
	p.Status = StatusInProgress
	s.entries[k] = p
	if err := s.flush(); err != nil {
		// claim never happened: leave the entry claimable rather than
		// stuck in_progress until a restart
		p.Status = StatusQueued
		s.entries[k] = p
		return Pending{}, false, err
	}
	return p, true, nil
}

func (s *FileStore) RecordAttempt(_ context.Context, sessionID, userID int64, attempt int, success bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Key(sessionID, userID)
	p, ok := s.entries[k]
	if !ok {
		return nil
	}
	p.Attempts = attempt
	s.entries[k] = p
	return s.flush()
}

func (s *FileStore) ResetInProgress(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, p := range s.entries {
		if p.Status == StatusInProgress {
			p.Status = StatusQueued
			s.entries[k] = p
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.flush()
}

// EnsureDir creates the parent directory of a store path.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
