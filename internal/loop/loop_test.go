package loop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleRunsOnWorker(t *testing.T) {
	l := New(nil, nil, 1)
	defer l.Dispose()

	done := make(chan bool, 1)
	err := l.Schedule(func(any) {
		done <- l.IsWorkerThread()
	}, nil)
	require.NoError(t, err)

	select {
	case onWorker := <-done:
		require.True(t, onWorker)
	case <-time.After(time.Second):
		t.Fatal("work item never ran")
	}
}

func TestIsWorkerThreadFalseFromCaller(t *testing.T) {
	l := New(nil, nil, 1)
	defer l.Dispose()
	require.False(t, l.IsWorkerThread())
}

func TestScheduleFIFOFromSingleProducer(t *testing.T) {
	l := New(nil, nil, 1)
	defer l.Dispose()

	var mu sync.Mutex
	var order []int
	wg := sync.WaitGroup{}
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, l.Schedule(func(any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}, nil))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := range order {
		require.Equal(t, i, order[i])
	}
}

func TestTicksMonotonic(t *testing.T) {
	var ticks []int64
	var mu sync.Mutex
	l := New(func(elapsedMS int64) {
		mu.Lock()
		ticks = append(ticks, elapsedMS)
		mu.Unlock()
	}, nil, 10)
	defer l.Dispose()

	time.Sleep(105 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(ticks), 10)
	for i := 1; i < len(ticks); i++ {
		require.GreaterOrEqual(t, ticks[i], ticks[i-1])
	}
}

func TestScheduleAfterDisposeFails(t *testing.T) {
	l := New(nil, nil, 1)
	l.Dispose()
	err := l.Schedule(func(any) {}, nil)
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestDisposeIsIdempotent(t *testing.T) {
	l := New(nil, nil, 1)
	l.Dispose()
	l.Dispose()
	l.Dispose()
}

func TestDisposeFromWorkerDoesNotDeadlock(t *testing.T) {
	l := New(nil, nil, 1)

	var disposed atomic.Bool
	doneCh := make(chan struct{})
	require.NoError(t, l.Schedule(func(any) {
		l.Dispose()
		disposed.Store(true)
		close(doneCh)
	}, nil))

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("dispose from worker deadlocked")
	}
	require.True(t, disposed.Load())
}

func TestPanicInWorkItemIsRecovered(t *testing.T) {
	var reported atomic.Bool
	l := New(nil, func(err error) {
		reported.Store(true)
	}, 1)
	defer l.Dispose()

	ran := make(chan struct{})
	require.NoError(t, l.Schedule(func(any) {
		defer close(ran)
		panic("boom")
	}, nil))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("panicking work item never completed dispatch")
	}

	require.Eventually(t, reported.Load, time.Second, time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, l.Schedule(func(any) { close(done) }, nil))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop died after panic in a work item")
	}
}

func TestSetAndGetTickPeriod(t *testing.T) {
	l := New(nil, nil, 5)
	defer l.Dispose()
	require.Equal(t, 5*time.Millisecond, l.TickPeriod())
	l.SetTickPeriod(20 * time.Millisecond)
	require.Equal(t, 20*time.Millisecond, l.TickPeriod())
}
