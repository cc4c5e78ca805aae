package oidc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessLock_MutualExclusion(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	lock := NewProcessLock()

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lock.Acquire(context.Background())
			require.NoError(err)
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(1, maxSeen, "critical sections must never overlap")
}

func TestProcessLock_FIFO(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	lock := NewProcessLock()

	first, err := lock.Acquire(context.Background())
	require.NoError(err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lock.Acquire(context.Background())
			require.NoError(err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
		}()
		// Give each goroutine time to enqueue before the next, so arrival
		// order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}

	first()
	wg.Wait()
	assert.Equal([]int{1, 2, 3, 4, 5}, order)
}

func TestProcessLock_AcquireCancelled(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	lock := NewProcessLock()

	holder, err := lock.Acquire(context.Background())
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lock.Acquire(ctx)
	require.ErrorIs(err, context.Canceled)

	// The abandoned slot must not wedge the chain: a later acquire still gets
	// its turn once the holder releases.
	acquired := make(chan struct{})
	go func() {
		release, err := lock.Acquire(context.Background())
		require.NoError(err)
		release()
		close(acquired)
	}()

	holder()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("chain wedged after a cancelled acquire")
	}
	assert.True(true)
}

func TestProcessLock_BarrierWaitsForInflight(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	lock := NewProcessLock()

	inflight, err := lock.Acquire(context.Background())
	require.NoError(err)

	barrierDone := make(chan struct{})
	go func() {
		_, err := lock.Barrier(context.Background())
		require.NoError(err)
		close(barrierDone)
	}()

	select {
	case <-barrierDone:
		t.Fatal("barrier returned while a process was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	inflight()
	select {
	case <-barrierDone:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier never returned")
	}
}

func TestProcessLock_BarrierBlocksNewcomers(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	lock := NewProcessLock()

	release, err := lock.Barrier(context.Background())
	require.NoError(err)

	acquired := make(chan struct{})
	go func() {
		releaseAcquire, err := lock.Acquire(context.Background())
		require.NoError(err)
		releaseAcquire()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire succeeded while the barrier was closed")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never completed after the barrier released")
	}
}

func TestProcessLock_BarrierCancelled(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	lock := NewProcessLock()

	inflight, err := lock.Acquire(context.Background())
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lock.Barrier(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)

	// Releasing the in-flight process unwedges the abandoned barrier slot too.
	inflight()
	releaseAcquire, err := lock.Acquire(context.Background())
	require.NoError(err)
	releaseAcquire()
}
