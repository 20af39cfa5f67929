package history

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Entries are lost when the process ends.
type MemStore struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
	now     func() time.Time
}

// NewMemStore returns an empty MemStore. now may be nil to use time.Now.
func NewMemStore(now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	return &MemStore{now: now, nextID: 1}
}

// Save implements [Store].
func (s *MemStore) Save(_ context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.Text) == "" {
		return Entry{}, ErrEmptyText
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextID
	s.nextID++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.entries = append(s.entries, e)
	return e, nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	return s.filter(func(Entry) bool { return true }, limit), nil
}

// Search implements [Store]. Matching is a case-insensitive substring test
// for every word of query.
func (s *MemStore) Search(_ context.Context, query string, limit int) ([]Entry, error) {
	words := strings.Fields(strings.ToLower(query))
	return s.filter(func(e Entry) bool {
		text := strings.ToLower(e.Text)
		for _, w := range words {
			if !strings.Contains(text, w) {
				return false
			}
		}
		return true
	}, limit), nil
}

// Close implements [Store]. It is a no-op.
func (s *MemStore) Close() {}

func (s *MemStore) filter(keep func(Entry) bool, limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range slices.Backward(s.entries) {
		if !keep(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
