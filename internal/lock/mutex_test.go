package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credwrap/internal/errs"
)

func waitForQueue(t *testing.T, m *Mutex, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.QueueLen() == n },
		2*time.Second, time.Millisecond, "expected %d queued waiters", n)
}

func TestMutex_AcquireUnheld(t *testing.T) {
	m := NewMutex()

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Locked())

	lease.Release()
	assert.False(t, m.Locked())
}

func TestMutex_FIFOOrder(t *testing.T) {
	const n = 10
	m := NewMutex()

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := m.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			lease.Release()
		}(i)
		// Enqueue strictly one after another so the arrival order is known.
		waitForQueue(t, m, i+1)
	}

	first.Release()
	wg.Wait()

	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
	assert.False(t, m.Locked())
}

func TestMutex_DoubleReleaseDoesNotDoubleGrant(t *testing.T) {
	m := NewMutex()

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	secondGranted := make(chan *Lease, 1)
	go func() {
		lease, err := m.Acquire(context.Background())
		if err == nil {
			secondGranted <- lease
		}
	}()
	waitForQueue(t, m, 1)

	thirdGranted := make(chan *Lease, 1)
	go func() {
		lease, err := m.Acquire(context.Background())
		if err == nil {
			thirdGranted <- lease
		}
	}()
	waitForQueue(t, m, 2)

	first.Release()
	first.Release()

	var second *Lease
	select {
	case second = <-secondGranted:
	case <-time.After(2 * time.Second):
		t.Fatal("second waiter was never granted")
	}

	select {
	case <-thirdGranted:
		t.Fatal("third waiter granted while second still holds the lock")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, m.QueueLen())

	second.Release()
	select {
	case third := <-thirdGranted:
		third.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("third waiter was never granted")
	}
	assert.False(t, m.Locked())
}

func TestMutex_Timeout(t *testing.T) {
	m := NewMutex(WithTimeout(30 * time.Millisecond))

	holder, err := m.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindMutexTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, m.QueueLen(), "timed out waiter must leave the queue")

	holder.Release()
	assert.False(t, m.Locked(), "the rejected ticket must never receive the lock")
}

func TestMutex_TimeoutSkipsToNextLiveWaiter(t *testing.T) {
	m := NewMutex(WithTimeout(0))

	holder, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx)
		cancelled <- err
	}()
	waitForQueue(t, m, 1)

	granted := make(chan *Lease, 1)
	go func() {
		lease, err := m.Acquire(context.Background())
		if err == nil {
			granted <- lease
		}
	}()
	waitForQueue(t, m, 2)

	cancel()
	require.ErrorIs(t, <-cancelled, context.Canceled)

	holder.Release()
	select {
	case lease := <-granted:
		assert.True(t, m.Locked())
		lease.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("live waiter behind a cancelled one was never granted")
	}
	assert.False(t, m.Locked())
}

func TestMutex_QueueFull(t *testing.T) {
	m := NewMutex(WithMaxQueue(1))

	holder, err := m.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		lease, err := m.Acquire(context.Background())
		if err == nil {
			lease.Release()
		}
	}()
	waitForQueue(t, m, 1)

	_, err = m.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrQueueFull))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 1, e.Max)

	holder.Release()
	<-done
}

func TestMutex_CancelledContext(t *testing.T) {
	m := NewMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, m.Locked())
}

func TestMutex_MutualExclusionUnderTimeouts(t *testing.T) {
	m := NewMutex(WithTimeout(2 * time.Millisecond))

	var (
		inside   int32
		overlaps int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(context.Background())
			if err != nil {
				assert.True(t, errs.Is(err, errs.KindMutexTimeout))
				return
			}
			if atomic.AddInt32(&inside, 1) != 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(200 * time.Microsecond)
			atomic.AddInt32(&inside, -1)
			lease.Release()
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlaps))
	assert.False(t, m.Locked())
	assert.Zero(t, m.QueueLen())
}

func TestMutex_Do(t *testing.T) {
	m := NewMutex()

	sentinel := errors.New("boom")
	err := m.Do(context.Background(), func() error {
		assert.True(t, m.Locked())
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, m.Locked())
}
