package orm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionInitialized(t *testing.T) {
	a, b := &ShelfItem{ID: 1}, &ShelfItem{ID: 2}

	var zero Collection[*ShelfItem]
	assert.True(t, zero.IsInitialized())
	zero.Add(a)
	assert.Equal(t, []*ShelfItem{a}, zero.Items())

	c := NewCollection(a)
	assert.True(t, c.IsInitialized())
	c.Add(b)
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Contains(b))

	assert.True(t, c.Remove(a))
	assert.False(t, c.Remove(a))
	assert.Equal(t, []*ShelfItem{b}, c.Items())
	require.NoError(t, c.Load(context.Background()))
}

func TestCollectionRecordsChangesUntilLoaded(t *testing.T) {
	stored1, stored2 := &ShelfItem{ID: 1}, &ShelfItem{ID: 2}
	added := &ShelfItem{ID: 3}
	loads := 0

	c := &Collection[*ShelfItem]{}
	c.setLoader(func(context.Context) ([]any, error) {
		loads++
		return []any{stored1, stored2}, nil
	})
	assert.False(t, c.IsInitialized())

	c.Add(added)
	assert.True(t, c.Remove(stored2))
	assert.Equal(t, []*ShelfItem{added}, c.Items())

	pendingAdded, pendingRemoved := c.pendingChanges()
	assert.Equal(t, []any{added}, pendingAdded)
	assert.Equal(t, []any{stored2}, pendingRemoved)

	require.NoError(t, c.Load(context.Background()))
	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, 1, loads)
	assert.Equal(t, []*ShelfItem{stored1, added}, c.Items())

	pendingAdded, pendingRemoved = c.pendingChanges()
	assert.Empty(t, pendingAdded)
	assert.Empty(t, pendingRemoved)
}

func TestCollectionAddCancelsRemove(t *testing.T) {
	stored := &ShelfItem{ID: 1}
	c := &Collection[*ShelfItem]{}
	c.setLoader(func(context.Context) ([]any, error) { return []any{stored}, nil })

	c.Remove(stored)
	c.Add(stored)
	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, []*ShelfItem{stored}, c.Items())

	// Removing an element added before loading forgets the addition.
	extra := &ShelfItem{ID: 2}
	d := &Collection[*ShelfItem]{}
	d.setLoader(func(context.Context) ([]any, error) { return nil, nil })
	d.Add(extra)
	d.Remove(extra)
	_, removed := d.pendingChanges()
	assert.Empty(t, removed)
	assert.Equal(t, 0, d.Len())
}

func TestCollectionLoadFailure(t *testing.T) {
	offline := errors.New("offline")
	c := &Collection[*ShelfItem]{}
	c.setLoader(func(context.Context) ([]any, error) { return nil, offline })

	assert.ErrorIs(t, c.Load(context.Background()), offline)
	assert.False(t, c.IsInitialized())
}

func TestCollectionReplace(t *testing.T) {
	a := &ShelfItem{ID: 1}
	c := &Collection[*ShelfItem]{}
	c.setLoader(func(context.Context) ([]any, error) { return nil, nil })
	c.Add(&ShelfItem{ID: 9})

	c.replace([]any{a})
	assert.True(t, c.IsInitialized())
	assert.Equal(t, []any{a}, c.elements())
	added, _ := c.pendingChanges()
	assert.Empty(t, added)
	assert.Equal(t, "*orm.ShelfItem", c.elementType().String())
}
