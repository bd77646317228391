package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	gen := New(0)
	require.NotNil(t, gen)
}

func TestNext_zeroIsValid(t *testing.T) {
	gen := New(0)
	assert.Equal(t, uint64(0), gen.Next())
	assert.Equal(t, uint64(1), gen.Next())
	assert.Equal(t, uint64(2), gen.Next())
}

func TestNext_customStart(t *testing.T) {
	gen := New(100)
	assert.Equal(t, uint64(100), gen.Next())
	assert.Equal(t, uint64(101), gen.Next())
}

func TestNext_noDuplicatesSequential(t *testing.T) {
	gen := New(0)
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id := gen.Next()
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestNext_concurrentUnique(t *testing.T) {
	gen := New(0)
	const n = 500
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			ids[idx] = gen.Next()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestNext_independentNamespaces(t *testing.T) {
	sessionIDs := New(0)
	batchIDs := New(0)

	assert.Equal(t, uint64(0), sessionIDs.Next())
	assert.Equal(t, uint64(0), batchIDs.Next())
	assert.Equal(t, uint64(1), sessionIDs.Next())
	assert.Equal(t, uint64(1), batchIDs.Next())
}
