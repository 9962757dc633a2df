package entry

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) List(ctx context.Context, username string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0)
	for _, e := range s.entries {
		if e.Username == username {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(b.OccurredOn, a.OccurredOn); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return entries, nil
}

func (s *MemoryStore) Create(ctx context.Context, username string, input Input) (Entry, error) {
	e, _, err := newEntry(username, input)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	return e, nil
}

func (s *MemoryStore) Delete(ctx context.Context, username, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.Username != username {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
