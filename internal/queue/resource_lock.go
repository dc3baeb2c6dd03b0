package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockClosed is returned to callers queued on a lock that has been closed.
var ErrLockClosed = errors.New("resource lock closed")

// waiter is one queued Acquire call.
type waiter struct {
	ready      chan struct{}
	enqueuedAt time.Time
}

// ============================================================================
// Resource Lock (FIFO hand-off)
// ============================================================================

// ResourceLock is an exclusive lock that grants ownership in arrival order.
// Release hands the lock directly to the oldest waiter, so a steady stream of
// new callers cannot starve a queued one.
type ResourceLock struct {
	mu      sync.Mutex
	held    bool
	waiters []*waiter
	closed  bool
	closing chan struct{}

	// Stats
	totalAcquired  int64
	totalCancelled int64
	totalWait      time.Duration
	maxWait        time.Duration
}

// NewResourceLock creates an unlocked, open lock.
func NewResourceLock() *ResourceLock {
	return &ResourceLock{
		closing: make(chan struct{}),
	}
}

// Acquire blocks until the caller owns the lock, the context is cancelled,
// or the lock is closed. The returned Handle must be released exactly once;
// extra Release calls are ignored.
func (l *ResourceLock) Acquire(ctx context.Context) (*Handle, error) {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return nil, ErrLockClosed
	}

	// Fast path: free and nobody queued ahead of us
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		l.totalAcquired++
		l.mu.Unlock()
		return &Handle{lock: l}, nil
	}

	w := &waiter{
		ready:      make(chan struct{}),
		enqueuedAt: time.Now(),
	}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	var cause error
	select {
	case <-w.ready:
		return &Handle{lock: l, Waited: time.Since(w.enqueuedAt)}, nil
	case <-ctx.Done():
		cause = ctx.Err()
	case <-l.closing:
		cause = ErrLockClosed
	}

	l.mu.Lock()
	select {
	case <-w.ready:
		// Ownership arrived while we were giving up; pass it on.
		l.mu.Unlock()
		l.release()
		return nil, cause
	default:
	}
	l.removeLocked(w)
	l.totalCancelled++
	l.mu.Unlock()
	return nil, cause
}

// TryAcquire takes the lock only if it is free and nobody is queued.
func (l *ResourceLock) TryAcquire() (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.held || len(l.waiters) > 0 {
		return nil, false
	}
	l.held = true
	l.totalAcquired++
	return &Handle{lock: l}, true
}

// release passes ownership to the next waiter or marks the lock free.
func (l *ResourceLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}

	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters[0] = nil
		l.waiters = l.waiters[1:]

		waited := time.Since(next.enqueuedAt)
		l.totalWait += waited
		if waited > l.maxWait {
			l.maxWait = waited
		}
		l.totalAcquired++
		close(next.ready) // held stays true: ownership moves to next
		return
	}

	l.held = false
}

func (l *ResourceLock) removeLocked(w *waiter) {
	for i, candidate := range l.waiters {
		if candidate == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// Close rejects future Acquire calls and wakes every queued waiter with
// ErrLockClosed. A handle that is already held stays valid until released.
func (l *ResourceLock) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.closing)
	}
	l.mu.Unlock()
}

// Stats returns lock statistics
func (l *ResourceLock) Stats() LockStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var avgWait time.Duration
	if l.totalAcquired > 0 {
		avgWait = l.totalWait / time.Duration(l.totalAcquired)
	}
	return LockStats{
		Held:           l.held,
		Waiters:        len(l.waiters),
		TotalAcquired:  l.totalAcquired,
		TotalCancelled: l.totalCancelled,
		AvgWait:        avgWait,
		MaxWait:        l.maxWait,
	}
}

// LockStats holds lock statistics
type LockStats struct {
	Held           bool          `json:"held"`
	Waiters        int           `json:"waiters"`
	TotalAcquired  int64         `json:"total_acquired"`
	TotalCancelled int64         `json:"total_cancelled"`
	AvgWait        time.Duration `json:"avg_wait"`
	MaxWait        time.Duration `json:"max_wait"`
}

// ============================================================================
// Handle
// ============================================================================

// Handle is proof of ownership of a ResourceLock.
type Handle struct {
	lock *ResourceLock
	once sync.Once

	// Waited is how long the caller sat in the queue.
	Waited time.Duration
}

// Release gives the lock up. Safe to call more than once.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(h.lock.release)
}
