package usecases

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	block chan struct{}
}

func (e *recordingExecutor) ExecuteRelease(_ context.Context, orderID string) {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	e.calls = append(e.calls, orderID)
	e.mu.Unlock()
}

func (e *recordingExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func newTestQueue(executor ReleaseExecutor, delay time.Duration) *ReleaseQueue {
	q := NewReleaseQueue(slog.New(slog.NewTextHandler(io.Discard, nil)), executor, delay)
	q.gap = 0
	return q
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q := newTestQueue(&recordingExecutor{}, 0)

	require.True(t, q.Enqueue("ord-1"))
	require.False(t, q.Enqueue("ord-1"))
	require.Equal(t, 1, q.Len())
}

func TestDrainExecutesFIFO(t *testing.T) {
	executor := &recordingExecutor{}
	q := newTestQueue(executor, 0)

	q.Enqueue("ord-1")
	q.Enqueue("ord-2")
	q.Drain(context.Background())

	require.Equal(t, []string{"ord-1", "ord-2"}, executor.executed())
	require.Zero(t, q.Len())
}

func TestRemoveDuringDelayCancelsRelease(t *testing.T) {
	executor := &recordingExecutor{}
	q := newTestQueue(executor, 80*time.Millisecond)

	q.Enqueue("ord-1")

	done := make(chan struct{})
	go func() {
		q.Drain(context.Background())
		close(done)
	}()

	// Remove while the drain is waiting out the release delay.
	time.Sleep(20 * time.Millisecond)
	require.True(t, q.Remove("ord-1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}

	require.Empty(t, executor.executed())
}

func TestRemoveUnknownOrder(t *testing.T) {
	q := newTestQueue(&recordingExecutor{}, 0)
	require.False(t, q.Remove("ord-1"))
}

func TestDrainIsSingleFlight(t *testing.T) {
	executor := &recordingExecutor{block: make(chan struct{})}
	q := newTestQueue(executor, 0)

	q.Enqueue("ord-1")

	go q.Drain(context.Background())

	// Wait until the first drain holds the processing flag.
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.processing
	}, time.Second, time.Millisecond)

	// A concurrent drain returns immediately instead of doubling up.
	q.Drain(context.Background())
	require.Empty(t, executor.executed())

	close(executor.block)
	require.Eventually(t, func() bool {
		return len(executor.executed()) == 1
	}, time.Second, time.Millisecond)
}

func TestEnqueueAfterHonorsDelay(t *testing.T) {
	executor := &recordingExecutor{}
	q := newTestQueue(executor, 0)

	start := time.Now()
	q.EnqueueAfter("ord-1", 60*time.Millisecond)
	q.Drain(context.Background())

	require.Equal(t, []string{"ord-1"}, executor.executed())
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestDrainStopsOnContextCancel(t *testing.T) {
	executor := &recordingExecutor{}
	q := newTestQueue(executor, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	q.Enqueue("ord-1")

	done := make(chan struct{})
	go func() {
		q.Drain(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not stop on cancel")
	}
	require.Empty(t, executor.executed())
}
