package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record revision conflict")
)

// Record is one JSON document inside a named collection. Revision starts at 1
// and is bumped by every successful write.
type Record struct {
	ID       string          `json:"id"`
	Revision int64           `json:"revision"`
	Data     json.RawMessage `json:"data"`
}

// Store persists named collections of records.
//
// List and Replace operate on whole collections. Get, Create, Put and Delete
// are the indexed primitives; Put with a non-zero Revision is a
// compare-and-swap against the stored revision.
type Store interface {
	List(ctx context.Context, collection string) ([]Record, error)
	Replace(ctx context.Context, collection string, records []Record) error
	Get(ctx context.Context, collection, id string) (Record, error)
	Create(ctx context.Context, collection string, rec Record) (Record, error)
	Put(ctx context.Context, collection string, rec Record) (Record, error)
	Delete(ctx context.Context, collection, id string) error
}
