package resource

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_InsertUnique(t *testing.T) {
	table := NewTable[string]("test")
	seen := make(map[Handle]bool)

	for i := 0; i < 100; i++ {
		h := table.Insert("v")
		assert.NotZero(t, h)
		assert.False(t, seen[h], "handle %d issued twice", h)
		seen[h] = true
	}
	assert.Equal(t, 100, table.Len())
}

func TestTable_GetRemove(t *testing.T) {
	table := NewTable[string]("test")
	h := table.Insert("hello")

	assert.Equal(t, "hello", table.Get(h))
	assert.Equal(t, "hello", table.Remove(h))
	assert.Equal(t, 0, table.Len())

	_, ok := table.Lookup(h)
	assert.False(t, ok)
}

func TestTable_StaleHandleFaults(t *testing.T) {
	table := NewTable[int]("kv")
	h := table.Insert(1)
	table.Remove(h)

	assertFault(t, func() { table.Get(h) })
	assertFault(t, func() { table.Remove(h) })
	assertFault(t, func() { table.Get(0) })
	assertFault(t, func() { table.Get(999) })
}

func TestTable_HandleReuse(t *testing.T) {
	table := NewTable[string]("test")
	h1 := table.Insert("a")
	table.Remove(h1)

	h2 := table.Insert("b")
	assert.Equal(t, h1, h2, "freed slot should be recycled")
	assert.Equal(t, "b", table.Get(h2))
}

func TestTable_Concurrent(t *testing.T) {
	table := NewTable[int]("test")

	const n = 50
	handles := make(chan Handle, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			handles <- table.Insert(i)
		}(i)
	}
	wg.Wait()
	close(handles)

	seen := make(map[Handle]bool)
	for h := range handles {
		require.False(t, seen[h])
		seen[h] = true
	}
	assert.Len(t, seen, n)
}

func TestScope_CloseReleasesOwned(t *testing.T) {
	table := NewTable[string]("test")
	scope := NewScope()
	ctx := WithScope(context.Background(), scope)

	var released []string
	release := func(v string) { released = append(released, v) }

	h1 := Insert(ctx, table, "first", release)
	h2 := Insert(ctx, table, "second", release)
	Insert(ctx, table, "third", release)

	Drop(ctx, table, h2, release)
	assert.Equal(t, []string{"second"}, released)
	assert.Equal(t, 2, scope.Len())

	scope.Close()
	assert.Equal(t, []string{"second", "third", "first"}, released)
	assert.Equal(t, 0, table.Len())

	assertFault(t, func() { table.Get(h1) })
}

func TestScope_RecycledHandleNotReleasedTwice(t *testing.T) {
	table := NewTable[string]("test")
	owner := NewScope()
	other := NewScope()

	var released []string
	release := func(v string) { released = append(released, v) }

	h := Insert(WithScope(context.Background(), owner), table, "a", release)
	// The host removes the entry and another context reuses the slot.
	release(table.Remove(h))
	h2 := Insert(WithScope(context.Background(), other), table, "b", release)
	require.Equal(t, h, h2)

	owner.Close()
	assert.Equal(t, []string{"a"}, released)
	assert.Equal(t, "b", table.Get(h2))
}

func TestScope_OtherContextFaults(t *testing.T) {
	table := NewTable[string]("kv")
	mainCtx := WithScope(context.Background(), NewScope())
	requestCtx := WithScope(context.Background(), NewScope())

	h := Insert(mainCtx, table, "store", nil)

	assertFault(t, func() { Get(requestCtx, table, h) })
	assertFault(t, func() { Drop(requestCtx, table, h, nil) })
	assertFault(t, func() { Get(context.Background(), table, h) })
	assert.Equal(t, "store", Get(mainCtx, table, h), "failed access must leave the entry in place")
}

func TestScope_ChildReachesParent(t *testing.T) {
	table := NewTable[string]("kv")
	parent := NewScope()
	first := NewChildScope(parent)
	second := NewChildScope(parent)
	parentCtx := WithScope(context.Background(), parent)
	firstCtx := WithScope(context.Background(), first)
	secondCtx := WithScope(context.Background(), second)

	shared := Insert(parentCtx, table, "shared", nil)
	own := Insert(firstCtx, table, "own", nil)

	assert.Equal(t, "shared", Get(firstCtx, table, shared))
	assert.Equal(t, "shared", Get(secondCtx, table, shared))
	assertFault(t, func() { Get(secondCtx, table, own) })
	assertFault(t, func() { Get(parentCtx, table, own) })

	Drop(firstCtx, table, shared, nil)
	assert.Equal(t, 0, parent.Len(), "dropping from a child forgets the handle in its owner")
	assert.Equal(t, 1, first.Len())
}

func TestInsert_WithoutScope(t *testing.T) {
	table := NewTable[string]("test")
	h := Insert(context.Background(), table, "x", nil)
	assert.Equal(t, "x", Get(WithScope(context.Background(), NewScope()), table, h))
	Drop(context.Background(), table, h, nil)
	assert.Equal(t, 0, table.Len())
}

func assertFault(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a boundary fault")
		_, ok := r.(*Fault)
		assert.True(t, ok, "panic value should be *Fault, got %T", r)
	}()
	fn()
}
