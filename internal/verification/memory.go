package verification

import (
	"context"
	"sync"
	"time"
)

type sentMark struct {
	at    time.Time
	until time.Time
}

// MemoryStore keeps codes in process memory. Pending codes are lost on
// restart; Sweep drops expired ones.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	sent    map[string]sentMark
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), sent: make(map[string]sentMark)}
}

func (m *MemoryStore) Save(_ context.Context, email string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[email] = e
	return nil
}

func (m *MemoryStore) Load(_ context.Context, email string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[email]
	if !ok {
		return Entry{}, ErrOTPNotFound
	}
	return e, nil
}

func (m *MemoryStore) IncrementAttempts(_ context.Context, email string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[email]
	if !ok {
		return 0, ErrOTPNotFound
	}
	e.Attempts++
	m.entries[email] = e
	return e.Attempts, nil
}

func (m *MemoryStore) Remove(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, email)
	return nil
}

func (m *MemoryStore) LastSent(_ context.Context, email string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mark, ok := m.sent[email]
	if !ok {
		return time.Time{}, false, nil
	}
	return mark.at, true, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, email string, at time.Time, cooldown time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[email] = sentMark{at: at, until: at.Add(cooldown)}
	return nil
}

// Sweep removes codes that expired and send marks past their cooldown.
// It returns the number of codes removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for email, e := range m.entries {
		if now.After(e.ExpiresAt) {
			delete(m.entries, email)
			removed++
		}
	}
	for email, mark := range m.sent {
		if now.After(mark.until) {
			delete(m.sent, email)
		}
	}
	return removed
}
