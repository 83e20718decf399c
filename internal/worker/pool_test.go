package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsJobs(t *testing.T) {
	pool := NewWorkerPool("test", 2, 10)
	pool.Start()

	var counter int32
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func() {
			atomic.AddInt32(&counter, 1)
		}))
	}

	pool.Close()

	assert.Equal(t, int32(5), atomic.LoadInt32(&counter))
	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Completed)
	assert.Equal(t, int64(0), stats.Active)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	pool := NewWorkerPool("test", 1, 1)
	pool.Start()
	defer pool.Close()

	release := make(chan struct{})
	running := make(chan struct{})

	require.NoError(t, pool.Submit(func() {
		close(running)
		<-release
	}))
	<-running

	// one slot waiting behind the running job
	require.NoError(t, pool.Submit(func() {}))
	assert.ErrorIs(t, pool.Submit(func() {}), ErrQueueFull)

	close(release)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool("test", 1, 2)
	pool.Start()

	var after int32
	require.NoError(t, pool.Submit(func() { panic("boom") }))
	require.NoError(t, pool.Submit(func() { atomic.StoreInt32(&after, 1) }))

	pool.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&after))
	assert.Equal(t, int64(1), pool.Stats().Panicked)
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	pool := NewWorkerPool("test", 1, 1)
	pool.Start()
	pool.Close()
	pool.Close()

	assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolClosed)
}

func TestWorkerPool_StartOnce(t *testing.T) {
	pool := NewWorkerPool("test", 2, 4)
	pool.Start()
	pool.Start()

	var mu sync.Mutex
	seen := 0
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(func() {
			mu.Lock()
			seen++
			mu.Unlock()
		}))
	}

	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not drain")
	}
	assert.Equal(t, 4, seen)
	assert.Equal(t, 2, pool.Stats().Workers)
}
