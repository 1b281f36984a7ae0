// internal/gate/gate_test.go
package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a scripted model backend that records invocations and can
// block until released, to pin jobs in the queue.
type fakeBackend struct {
	mu        sync.Mutex
	calls     int64
	active    int64
	overlap   atomic.Bool
	gate      chan struct{} // when non-nil, every call waits for a receive
	respond   func(req Request) (string, error)
	execOrder []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		respond: func(req Request) (string, error) {
			return "ok:" + req.Prompt, nil
		},
	}
}

func (f *fakeBackend) Complete(ctx context.Context, req Request) (string, error) {
	if atomic.AddInt64(&f.active, 1) > 1 {
		f.overlap.Store(true)
	}
	defer atomic.AddInt64(&f.active, -1)

	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	f.execOrder = append(f.execOrder, req.Prompt)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.respond(req)
}

func (f *fakeBackend) callCount() int64 {
	return atomic.LoadInt64(&f.calls)
}

func newTestGate(t *testing.T, backend Backend, depth int) *Gate {
	t.Helper()
	g := New(backend, Config{MaxQueueDepth: depth}, logger.NewNoOpLogger(), nil)
	t.Cleanup(g.Stop)
	return g
}

func submitAsync(g *Gate, job Job) chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		res, err := g.Submit(context.Background(), job)
		ch <- outcome{result: res, err: err}
	}()
	return ch
}

func job(prompt string, p Priority) Job {
	return Job{
		Priority: p,
		Request:  Request{Stage: "test", Prompt: prompt},
		Deadline: 5 * time.Second,
	}
}

func TestGate_SubmitReturnsBackendResult(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGate(t, backend, 8)

	res, err := g.Submit(context.Background(), job("hello", PrioritySynthesis))
	require.NoError(t, err)
	assert.Equal(t, "ok:hello", res.Text)
	assert.EqualValues(t, 1, backend.callCount())
}

func TestGate_NeverExecutesTwoJobsConcurrently(t *testing.T) {
	backend := newFakeBackend()
	backend.respond = func(req Request) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	}
	g := newTestGate(t, backend, 64)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Submit(context.Background(), job("p", PriorityBatch))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, backend.overlap.Load(), "backend executions overlapped")
	assert.EqualValues(t, 20, backend.callCount())
}

func TestGate_PriorityOrdering(t *testing.T) {
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.gate = release
	g := newTestGate(t, backend, 64)

	// Pin the executor on a first job so the others stay queued.
	first := submitAsync(g, job("first", PriorityBatch))

	// Wait until the pinned job is executing.
	require.Eventually(t, func() bool { return backend.callCount() == 1 }, time.Second, time.Millisecond)

	batch := submitAsync(g, job("batch", PriorityBatch))
	synthesis := submitAsync(g, job("synthesis", PrioritySynthesis))
	interactive := submitAsync(g, job("interactive", PriorityInteractive))

	// Give the queued submissions time to land before releasing.
	time.Sleep(20 * time.Millisecond)
	close(release)

	for _, ch := range []chan outcome{first, batch, synthesis, interactive} {
		out := <-ch
		require.NoError(t, out.err)
	}

	backend.mu.Lock()
	order := backend.execOrder
	backend.mu.Unlock()
	assert.Equal(t, []string{"first", "interactive", "synthesis", "batch"}, order)
}

func TestGate_FIFOWithinBand(t *testing.T) {
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.gate = release
	g := newTestGate(t, backend, 64)

	first := submitAsync(g, job("first", PriorityBatch))
	require.Eventually(t, func() bool { return backend.callCount() == 1 }, time.Second, time.Millisecond)

	a := submitAsync(g, job("a", PrioritySynthesis))
	time.Sleep(5 * time.Millisecond)
	b := submitAsync(g, job("b", PrioritySynthesis))
	time.Sleep(5 * time.Millisecond)
	close(release)

	for _, ch := range []chan outcome{first, a, b} {
		out := <-ch
		require.NoError(t, out.err)
	}

	backend.mu.Lock()
	order := backend.execOrder
	backend.mu.Unlock()
	assert.Equal(t, []string{"first", "a", "b"}, order)
}

func TestGate_QueueTimeoutForExpiredJob(t *testing.T) {
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.gate = release
	g := newTestGate(t, backend, 64)

	first := submitAsync(g, job("first", PriorityBatch))
	require.Eventually(t, func() bool { return backend.callCount() == 1 }, time.Second, time.Millisecond)

	expired := submitAsync(g, Job{
		Priority: PriorityBatch,
		Request:  Request{Stage: "test", Prompt: "expired"},
		Deadline: 10 * time.Millisecond,
	})

	time.Sleep(30 * time.Millisecond)
	close(release)

	out := <-expired
	require.Error(t, out.err)
	assert.Equal(t, stderrors.ErrCodeModelQueueTimeout, stderrors.CodeOf(out.err))

	<-first
	// The expired job was never executed.
	assert.EqualValues(t, 1, backend.callCount())
}

func TestGate_QueueOverflowExpiresLowerPriority(t *testing.T) {
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.gate = release
	g := newTestGate(t, backend, 1)

	first := submitAsync(g, job("first", PriorityInteractive))
	require.Eventually(t, func() bool { return backend.callCount() == 1 }, time.Second, time.Millisecond)

	batch := submitAsync(g, job("batch", PriorityBatch))
	time.Sleep(5 * time.Millisecond)
	interactive := submitAsync(g, job("interactive", PriorityInteractive))

	// The batch job is evicted to make room for the interactive one.
	out := <-batch
	require.Error(t, out.err)
	assert.Equal(t, stderrors.ErrCodeModelQueueTimeout, stderrors.CodeOf(out.err))

	close(release)
	require.NoError(t, (<-first).err)
	require.NoError(t, (<-interactive).err)
}

func TestGate_CancelQueuedJob(t *testing.T) {
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.gate = release
	g := newTestGate(t, backend, 64)

	first := submitAsync(g, job("first", PriorityBatch))
	require.Eventually(t, func() bool { return backend.callCount() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := g.Submit(ctx, job("queued", PriorityBatch))
		cancelled <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-cancelled
	require.Error(t, err)
	assert.Equal(t, stderrors.ErrCodeJobCancelled, stderrors.CodeOf(err))

	close(release)
	<-first
	// The cancelled job never reached the backend.
	assert.EqualValues(t, 1, backend.callCount())
}

func TestGate_ForwardProgressAfterBackendError(t *testing.T) {
	backend := newFakeBackend()
	fail := true
	backend.respond = func(req Request) (string, error) {
		if fail {
			fail = false
			return "", errors.New("backend exploded")
		}
		return "recovered", nil
	}
	g := newTestGate(t, backend, 8)

	_, err := g.Submit(context.Background(), job("boom", PrioritySynthesis))
	require.Error(t, err)
	assert.Equal(t, stderrors.ErrCodeModelExecutionFailure, stderrors.CodeOf(err))

	res, err := g.Submit(context.Background(), job("next", PrioritySynthesis))
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
}

func TestGate_StopFailsQueuedJobs(t *testing.T) {
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.gate = release
	g := New(backend, Config{MaxQueueDepth: 8}, logger.NewNoOpLogger(), nil)

	first := submitAsync(g, job("first", PriorityBatch))
	require.Eventually(t, func() bool { return backend.callCount() == 1 }, time.Second, time.Millisecond)
	queued := submitAsync(g, job("queued", PriorityBatch))

	time.Sleep(10 * time.Millisecond)
	stopDone := make(chan struct{})
	go func() {
		g.Stop()
		close(stopDone)
	}()

	// Stop drains the queue immediately, even while a job is executing.
	out := <-queued
	require.Error(t, out.err)
	assert.Equal(t, stderrors.ErrCodeJobCancelled, stderrors.CodeOf(out.err))

	close(release)
	require.NoError(t, (<-first).err)
	<-stopDone
}
