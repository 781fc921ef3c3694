package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethan626/tnt/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)

	const numTasks = 20
	var count atomic.Int32
	var wg sync.WaitGroup
	for ii := 0; ii < numTasks; ii++ {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	require.Equal(t, int32(numTasks), count.Load())

	// No parallelism: tasks run inline.
	pool.SetMaxParallelism(0)
	ran := false
	pool.WaitToStart(func() { ran = true })
	assert.True(t, ran)
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)

	release := xsync.NewLatch()
	var wg sync.WaitGroup
	started := 0
	for {
		wg.Add(1)
		ok := pool.StartIfAvailable(func() {
			defer wg.Done()
			release.Wait()
		})
		if !ok {
			wg.Done()
			break
		}
		started++
	}
	assert.Greater(t, started, 0)
	release.Trigger()
	wg.Wait()
}

func TestPool_For(t *testing.T) {
	pool := New()
	const n = 100_000
	data := make([]int32, n)
	pool.For(n, func(from, to int) {
		for ii := from; ii < to; ii++ {
			data[ii] = int32(ii)
		}
	})
	for ii, v := range data {
		if int(v) != ii {
			t.Fatalf("data[%d] = %d, expected %d", ii, v, ii)
		}
	}

	// Small ranges run inline.
	var count atomic.Int32
	pool.For(10, func(from, to int) { count.Add(int32(to - from)) })
	assert.Equal(t, int32(10), count.Load())

	// Disabled pool still computes.
	pool.SetMaxParallelism(0)
	count.Store(0)
	pool.For(n, func(from, to int) { count.Add(int32(to - from)) })
	assert.Equal(t, int32(n), count.Load())
}
