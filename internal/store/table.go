package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const maxMutateAttempts = 8

// Table is a typed view over one collection. Values are stored as JSON, so
// fields added later simply decode as zero values on old records.
type Table[T any] struct {
	store Store
	name  string
}

func NewTable[T any](s Store, collection string) *Table[T] {
	return &Table[T]{store: s, name: collection}
}

func (t *Table[T]) Name() string { return t.name }

func (t *Table[T]) All(ctx context.Context) ([]T, error) {
	return t.Filter(ctx, nil)
}

// Filter returns the values matching keep, in insertion order. A nil keep
// matches everything.
func (t *Table[T]) Filter(ctx context.Context, keep func(T) bool) ([]T, error) {
	recs, err := t.store.List(ctx, t.name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := decode[T](rec)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", t.name, rec.ID, err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Replace overwrites the whole collection with items, keyed by id(item).
func (t *Table[T]) Replace(ctx context.Context, items []T, id func(T) string) error {
	recs := make([]Record, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		recs = append(recs, Record{ID: id(item), Data: data})
	}
	return t.store.Replace(ctx, t.name, recs)
}

func (t *Table[T]) Get(ctx context.Context, id string) (T, error) {
	rec, err := t.store.Get(ctx, t.name, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](rec)
}

// Insert stores v under id, failing with ErrConflict if the id is taken.
func (t *Table[T]) Insert(ctx context.Context, id string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = t.store.Create(ctx, t.name, Record{ID: id, Data: data})
	return err
}

// Save upserts v under id unconditionally.
func (t *Table[T]) Save(ctx context.Context, id string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = t.store.Put(ctx, t.name, Record{ID: id, Data: data})
	return err
}

func (t *Table[T]) Delete(ctx context.Context, id string) error {
	return t.store.Delete(ctx, t.name, id)
}

// Mutate applies fn to the current value of id and writes the result with a
// compare-and-swap, retrying when another writer got there first. fn receives
// exists=false and a zero value when the record is absent; returning an error
// aborts without writing. fn may run more than once.
func (t *Table[T]) Mutate(ctx context.Context, id string, fn func(v *T, exists bool) error) (T, error) {
	var zero T
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		var v T
		rec, err := t.store.Get(ctx, t.name, id)
		exists := err == nil
		switch {
		case exists:
			if v, err = decode[T](rec); err != nil {
				return zero, err
			}
		case !errors.Is(err, ErrNotFound):
			return zero, err
		}

		if err := fn(&v, exists); err != nil {
			return zero, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return zero, err
		}

		if exists {
			_, err = t.store.Put(ctx, t.name, Record{ID: id, Revision: rec.Revision, Data: data})
		} else {
			_, err = t.store.Create(ctx, t.name, Record{ID: id, Data: data})
		}
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return zero, err
		}
		return v, nil
	}
	return zero, fmt.Errorf("%s/%s: %w after %d attempts", t.name, id, ErrConflict, maxMutateAttempts)
}

// Update is Mutate for records that must already exist.
func (t *Table[T]) Update(ctx context.Context, id string, fn func(v *T) error) (T, error) {
	return t.Mutate(ctx, id, func(v *T, exists bool) error {
		if !exists {
			return ErrNotFound
		}
		return fn(v)
	})
}

func decode[T any](rec Record) (T, error) {
	var v T
	if len(rec.Data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(rec.Data, &v)
	return v, err
}
