package throttle

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	subjectID string
	action    Action
}

type memoryEntry struct {
	mu     sync.Mutex
	record Record
}

// MemoryStore keeps counters in process memory with one lock per key.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[memoryKey]*memoryEntry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[memoryKey]*memoryEntry)}
}

func (s *MemoryStore) entry(subjectID string, action Action) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{subjectID: subjectID, action: action}
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{record: Record{SubjectID: subjectID, Action: action}}
		s.entries[key] = e
	}
	return e
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, subjectID string, action Action, policy Policy, now time.Time) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	e := s.entry(subjectID, action)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.ActiveAttempts(now) == 0 {
		e.record.Attempts = 0
		e.record.WindowExpiresAt = now.Add(policy.Window)
	}
	if e.record.Attempts >= policy.MaxAttempts {
		return e.record, false, nil
	}
	e.record.Attempts++
	return e.record, true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, subjectID string, action Action) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	e := s.entry(subjectID, action)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, nil
}

var _ Store = (*MemoryStore)(nil)
