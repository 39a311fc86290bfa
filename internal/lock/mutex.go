package lock

import (
	"context"
	"sync"
	"time"

	"credwrap/internal/errs"
)

const (
	// DefaultMutexTimeout bounds how long Acquire waits when no option overrides it.
	DefaultMutexTimeout = 30 * time.Second

	// DefaultMaxQueue is the default bound on queued waiters.
	DefaultMaxQueue = 1000
)

// Mutex is an in-process lock with FIFO hand-off, a per-wait timeout and a
// bounded wait queue. It only orders goroutines within one process; use
// FileLock to coordinate with other processes.
//
// Waiters live in an arena keyed by ticket id. A ticket leaves the arena
// exactly once: either Release grants it the lock, or its wait times out or
// is cancelled. Both paths run under m.mu, so a ticket that was rejected can
// never be granted afterwards.
type Mutex struct {
	mu sync.Mutex

	held       bool
	owner      uint64
	nextTicket uint64

	queue   []uint64           // FIFO of ticket ids, may contain removed tickets
	waiters map[uint64]*waiter // live waiters

	timeout  time.Duration
	maxQueue int
}

type waiter struct {
	granted chan struct{}
}

// MutexOption configures a Mutex.
type MutexOption func(*Mutex)

// WithTimeout sets how long Acquire waits. Zero disables the timeout; the
// caller's context still applies.
func WithTimeout(d time.Duration) MutexOption {
	return func(m *Mutex) {
		m.timeout = d
	}
}

// WithMaxQueue bounds the number of queued waiters.
func WithMaxQueue(n int) MutexOption {
	return func(m *Mutex) {
		m.maxQueue = n
	}
}

// NewMutex creates an unlocked Mutex.
func NewMutex(opts ...MutexOption) *Mutex {
	m := &Mutex{
		waiters:  make(map[uint64]*waiter),
		timeout:  DefaultMutexTimeout,
		maxQueue: DefaultMaxQueue,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease is proof of ownership returned by Acquire.
type Lease struct {
	m      *Mutex
	ticket uint64
	once   sync.Once
}

// Release gives the lock to the next waiter, or unlocks it when nobody is
// waiting. Calling Release more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.release(l.ticket)
	})
}

// Acquire obtains the lock, waiting in FIFO order behind earlier callers.
// It fails with errs.KindQueueFull when the queue is at capacity and with
// errs.KindMutexTimeout when the configured timeout elapses first.
func (m *Mutex) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextTicket++
	ticket := m.nextTicket

	if !m.held {
		m.held = true
		m.owner = ticket
		m.mu.Unlock()
		return &Lease{m: m, ticket: ticket}, nil
	}

	if len(m.waiters) >= m.maxQueue {
		queued := len(m.waiters)
		m.mu.Unlock()
		return nil, &errs.Error{
			Kind:    errs.KindQueueFull,
			Op:      "mutex.acquire",
			Message: "lock wait queue is full",
			Current: queued,
			Max:     m.maxQueue,
		}
	}

	w := &waiter{granted: make(chan struct{})}
	m.waiters[ticket] = w
	m.queue = append(m.queue, ticket)
	timeout := m.timeout
	m.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-w.granted:
		return &Lease{m: m, ticket: ticket}, nil
	case <-timeoutCh:
		if m.abandon(ticket) {
			return nil, &errs.Error{
				Kind:    errs.KindMutexTimeout,
				Op:      "mutex.acquire",
				Message: "timed out waiting for lock after " + timeout.String(),
			}
		}
	case <-ctx.Done():
		if m.abandon(ticket) {
			return nil, ctx.Err()
		}
	}

	// Release granted the ticket before the timeout could remove it; the
	// caller owns the lock.
	<-w.granted
	return &Lease{m: m, ticket: ticket}, nil
}

// Do runs fn while holding the lock.
func (m *Mutex) Do(ctx context.Context, fn func() error) error {
	lease, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn()
}

// abandon removes ticket from the arena. It returns false when the ticket was
// already granted, in which case the caller owns the lock.
func (m *Mutex) abandon(ticket uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.waiters[ticket]; !ok {
		return false
	}
	delete(m.waiters, ticket)
	m.compactQueueLocked()
	return true
}

// release hands the lock directly to the oldest live waiter without ever
// marking it unheld in between.
func (m *Mutex) release(ticket uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held || m.owner != ticket {
		return
	}

	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]

		w, ok := m.waiters[next]
		if !ok {
			// Timed out or cancelled; its slot is gone.
			continue
		}
		delete(m.waiters, next)
		m.owner = next
		close(w.granted)
		return
	}

	m.held = false
	m.owner = 0
}

// compactQueueLocked drops removed tickets from the queue head so that it
// does not grow without bound under repeated timeouts.
func (m *Mutex) compactQueueLocked() {
	if len(m.queue) <= 2*len(m.waiters)+16 {
		return
	}
	live := m.queue[:0]
	for _, t := range m.queue {
		if _, ok := m.waiters[t]; ok {
			live = append(live, t)
		}
	}
	m.queue = live
}

// Locked reports whether the lock is currently held.
func (m *Mutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// QueueLen returns the number of goroutines waiting for the lock.
func (m *Mutex) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
