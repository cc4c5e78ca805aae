package oidc

import (
	"context"
	"fmt"
	"sync"
)

// ProcessLock totally orders login/refresh critical sections within one
// engine instance.  It is a FIFO chain lock with one extra capability: a
// Barrier that both blocks newcomers and waits for every process already in
// flight, which is what a destructive operation (logout, forced reload) needs
// to reach a quiescent point without cancelling anything.
type ProcessLock struct {
	mu sync.Mutex

	// tail is the completion channel of the most recently enqueued process
	// (or barrier).  Each new entrant waits on the tail it replaces, which
	// yields FIFO ordering without a queue.
	tail chan struct{}

	// inflight holds the completion channels of processes that have been
	// enqueued and not yet released.
	inflight []chan struct{}
}

// NewProcessLock creates an unlocked ProcessLock.
func NewProcessLock() *ProcessLock {
	return &ProcessLock{}
}

// Acquire enters a login-or-refresh critical section once every previously
// enqueued section has released.  The returned release function must be
// called exactly once.  If ctx is done before the turn comes, Acquire returns
// ctx.Err() and the position is abandoned without breaking the chain.
func (l *ProcessLock) Acquire(ctx context.Context) (release func(), err error) {
	const op = "ProcessLock.Acquire"
	done := make(chan struct{})

	l.mu.Lock()
	prev := l.tail
	l.tail = done
	l.inflight = append(l.inflight, done)
	l.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Keep successors ordered: our slot only completes once the
			// predecessor has, even though we are no longer interested.
			go func() {
				<-prev
				l.release(done)
			}()
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(done) }) }, nil
}

// Barrier blocks new Acquire calls immediately and returns once every
// process in flight at the time of the call has released.  The returned
// release function reopens the lock; a caller about to tear the page down
// may never call it, which permanently fences off new processes; that is the
// intended behavior when navigation is imminent.
func (l *ProcessLock) Barrier(ctx context.Context) (release func(), err error) {
	const op = "ProcessLock.Barrier"
	done := make(chan struct{})

	l.mu.Lock()
	l.tail = done
	waitFor := make([]chan struct{}, len(l.inflight))
	copy(waitFor, l.inflight)
	l.inflight = append(l.inflight, done)
	l.mu.Unlock()

	for _, ch := range waitFor {
		select {
		case <-ch:
		case <-ctx.Done():
			go func() {
				for _, ch := range waitFor {
					<-ch
				}
				l.release(done)
			}()
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(done) }) }, nil
}

func (l *ProcessLock) release(done chan struct{}) {
	close(done)
	l.mu.Lock()
	for i, ch := range l.inflight {
		if ch == done {
			l.inflight = append(l.inflight[:i], l.inflight[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}
