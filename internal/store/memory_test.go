package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestMemoryListMissingCollection(t *testing.T) {
	m := NewMemory()
	recs, err := m.List(context.Background(), "nothing")
	assert.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryReplaceKeepsOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.Replace(ctx, "c", []Record{
		{ID: "b", Data: json.RawMessage(`{"v":2}`)},
		{ID: "a", Data: json.RawMessage(`{"v":1}`)},
	})
	require.NoError(t, err)

	recs, err := m.List(ctx, "c")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, "a", recs[1].ID)

	require.NoError(t, m.Replace(ctx, "c", nil))
	recs, err = m.List(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryCreateConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.Create(ctx, "c", Record{ID: "x", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Revision)

	_, err = m.Create(ctx, "c", Record{ID: "x", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryPutCompareAndSwap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.Put(ctx, "c", Record{ID: "x", Data: json.RawMessage(`{"v":1}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Revision)

	rec, err = m.Put(ctx, "c", Record{ID: "x", Revision: 1, Data: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Revision)

	_, err = m.Put(ctx, "c", Record{ID: "x", Revision: 1, Data: json.RawMessage(`{"v":3}`)})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := m.Get(ctx, "c", "x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got.Data))

	_, err = m.Put(ctx, "c", Record{ID: "missing", Revision: 4, Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	assert.ErrorIs(t, m.Delete(ctx, "c", "x"), ErrNotFound)

	_, err := m.Create(ctx, "c", Record{ID: "x"})
	require.NoError(t, err)
	assert.NoError(t, m.Delete(ctx, "c", "x"))

	_, err = m.Get(ctx, "c", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	recs, _ := m.List(ctx, "c")
	assert.Empty(t, recs)
}

func TestTableMutateCreatesAndUpdates(t *testing.T) {
	tbl := NewTable[counter](NewMemory(), "counters")
	ctx := context.Background()

	v, err := tbl.Mutate(ctx, "a", func(c *counter, exists bool) error {
		assert.False(t, exists)
		c.Name = "a"
		c.Value++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Value)

	v, err = tbl.Update(ctx, "a", func(c *counter) error {
		c.Value += 10
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 11, v.Value)

	_, err = tbl.Update(ctx, "b", func(c *counter) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTableMutateNoLostUpdates(t *testing.T) {
	tbl := NewTable[counter](NewMemory(), "counters")
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		succeeded int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := tbl.Mutate(ctx, "shared", func(c *counter, _ bool) error {
					c.Value++
					return nil
				})
				if err == nil {
					atomic.AddInt64(&succeeded, 1)
				} else {
					assert.ErrorIs(t, err, ErrConflict)
				}
			}
		}()
	}
	wg.Wait()

	got, err := tbl.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Positive(t, succeeded)
	assert.Equal(t, int(succeeded), got.Value)
}

func TestTableFilterToleratesMissingFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.Create(ctx, "counters", Record{ID: "old", Data: json.RawMessage(`{"name":"old"}`)})
	require.NoError(t, err)

	tbl := NewTable[counter](m, "counters")
	got, err := tbl.Filter(ctx, func(c counter) bool { return c.Name == "old" })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Value)
}
