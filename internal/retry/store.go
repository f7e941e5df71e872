package retry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists retry entries, unique on Key.
type Store interface {
	// Upsert creates or replaces the entry for u's key.
	Upsert(ctx context.Context, u Upsert) (Entry, error)
	Get(ctx context.Context, key Key) (Entry, bool, error)
	// Delete removes the entry when its generation still matches. A zero
	// generation removes whatever is there.
	Delete(ctx context.Context, key Key, generation int64) (bool, error)
	// Claim returns up to limit entries due at or before dueBefore and
	// pushes their next attempt to leaseUntil so concurrent pollers skip them.
	Claim(ctx context.Context, dueBefore, leaseUntil time.Time, limit int) ([]Entry, error)
	List(ctx context.Context, limit int) ([]Entry, error)
	Count(ctx context.Context) (int, error)
	// Bury records dl and removes the entry it was made from.
	Bury(ctx context.Context, dl DeadLetter) error
}

// MemoryStore is a Store for tests and single-process development runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]Entry
	buried  []DeadLetter
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]Entry), now: time.Now}
}

func (m *MemoryStore) Upsert(_ context.Context, u Upsert) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key{Kind: u.Kind, EntityID: u.EntityID}
	var prev *Entry
	if e, ok := m.entries[key]; ok {
		prev = &e
	}
	next := apply(prev, u, m.now())
	m.entries[key] = next
	return next, nil
}

func (m *MemoryStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key, generation int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || (generation != 0 && e.Generation != generation) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Claim(_ context.Context, dueBefore, leaseUntil time.Time, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Entry
	for _, e := range m.entries {
		if !e.NextAttemptAt.After(dueBefore) {
			due = append(due, e)
		}
	}
	sortByNextAttempt(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		e := m.entries[due[i].Key()]
		e.NextAttemptAt = leaseUntil
		e.UpdatedAt = m.now()
		m.entries[e.Key()] = e
		due[i] = e
	}
	return due, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sortByNextAttempt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *MemoryStore) Bury(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buried = append(m.buried, dl)
	if e, ok := m.entries[dl.Entry.Key()]; ok && e.Generation == dl.Entry.Generation {
		delete(m.entries, dl.Entry.Key())
	}
	return nil
}

// DeadLetters returns what was buried so far.
func (m *MemoryStore) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.buried...)
}

func sortByNextAttempt(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NextAttemptAt.Equal(entries[j].NextAttemptAt) {
			return entries[i].Key().String() < entries[j].Key().String()
		}
		return entries[i].NextAttemptAt.Before(entries[j].NextAttemptAt)
	})
}
