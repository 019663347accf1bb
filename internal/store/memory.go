package store

import (
	"context"
	"sync"
)

type memTable struct {
	order []string
	rows  map[string]Record
}

// Memory is a process-local Store. All operations are serialized by a single
// mutex, so every primitive is atomic.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

func (m *Memory) table(collection string) *memTable {
	t, ok := m.tables[collection]
	if !ok {
		t = &memTable{rows: make(map[string]Record)}
		m.tables[collection] = t
	}
	return t
}

func (m *Memory) List(_ context.Context, collection string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[collection]
	if !ok {
		return []Record{}, nil
	}
	out := make([]Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, cloneRecord(t.rows[id]))
	}
	return out, nil
}

func (m *Memory) Replace(_ context.Context, collection string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &memTable{rows: make(map[string]Record, len(records))}
	for _, rec := range records {
		if prev, ok := t.rows[rec.ID]; ok {
			rec.Revision = prev.Revision + 1
		} else {
			t.order = append(t.order, rec.ID)
			rec.Revision = 1
		}
		t.rows[rec.ID] = cloneRecord(rec)
	}
	m.tables[collection] = t
	return nil
}

func (m *Memory) Get(_ context.Context, collection, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[collection]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, ok := t.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Create(_ context.Context, collection string, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(collection)
	if _, ok := t.rows[rec.ID]; ok {
		return Record{}, ErrConflict
	}
	rec.Revision = 1
	t.rows[rec.ID] = cloneRecord(rec)
	t.order = append(t.order, rec.ID)
	return rec, nil
}

func (m *Memory) Put(_ context.Context, collection string, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(collection)
	prev, exists := t.rows[rec.ID]
	if rec.Revision != 0 && (!exists || prev.Revision != rec.Revision) {
		return Record{}, ErrConflict
	}
	if exists {
		rec.Revision = prev.Revision + 1
	} else {
		rec.Revision = 1
		t.order = append(t.order, rec.ID)
	}
	t.rows[rec.ID] = cloneRecord(rec)
	return rec, nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[collection]
	if !ok {
		return ErrNotFound
	}
	if _, ok := t.rows[id]; !ok {
		return ErrNotFound
	}
	delete(t.rows, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func cloneRecord(r Record) Record {
	data := make([]byte, len(r.Data))
	copy(data, r.Data)
	r.Data = data
	return r
}
