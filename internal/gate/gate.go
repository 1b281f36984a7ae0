// internal/gate/gate.go
package gate

import (
	"container/heap"
	"context"
	"sync"
	"time"

	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/common/metrics"
	"persona-engine/internal/common/observability"
)

// Priority bands. Higher values execute first; within a band, FIFO.
type Priority int

const (
	PriorityBatch Priority = iota
	PrioritySynthesis
	PriorityInteractive
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PrioritySynthesis:
		return "synthesis"
	default:
		return "batch"
	}
}

// Job is one unit of inference work. Deadline bounds the total time the
// caller is willing to wait, queue time included.
type Job struct {
	Priority Priority
	Request  Request
	Deadline time.Duration
}

// Result carries the model output plus the observed timings.
type Result struct {
	Text     string
	WaitTime time.Duration
	ExecTime time.Duration
}

type outcome struct {
	result Result
	err    error
}

type jobState int

const (
	stateQueued jobState = iota
	stateExecuting
	stateDone
)

type queuedJob struct {
	job        Job
	seq        uint64
	enqueuedAt time.Time
	index      int // heap index, -1 once popped
	state      jobState
	done       chan outcome
}

// jobHeap orders by priority band descending, then FIFO by sequence.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	qj := x.(*queuedJob)
	qj.index = len(*h)
	*h = append(*h, qj)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	qj := old[n-1]
	old[n-1] = nil
	qj.index = -1
	*h = old[:n-1]
	return qj
}

// Gate serializes all access to the single model handle. Jobs are served in
// priority order with deadline-based expiry; the executor always makes
// forward progress regardless of prior failures.
type Gate struct {
	backend  Backend
	logger   logger.Logger
	obs      *observability.Observability
	maxDepth int

	mu      sync.Mutex
	queue   jobHeap
	seq     uint64
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// Config holds gate queue settings.
type Config struct {
	MaxQueueDepth int
}

func New(backend Backend, cfg Config, log logger.Logger, obs *observability.Observability) *Gate {
	g := &Gate{
		backend:  backend,
		logger:   log.WithFields(map[string]interface{}{"component": "inference-gate"}),
		obs:      obs,
		maxDepth: cfg.MaxQueueDepth,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go g.run()
	return g
}

// Submit queues a job and blocks until it completes, expires, or the caller
// cancels. A cancelled still-queued job is removed without execution.
func (g *Gate) Submit(ctx context.Context, job Job) (Result, error) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return Result{}, stderrors.NewJobCancelledError(job.Request.Stage)
	}

	g.seq++
	qj := &queuedJob{
		job:        job,
		seq:        g.seq,
		enqueuedAt: time.Now(),
		done:       make(chan outcome, 1),
	}
	heap.Push(&g.queue, qj)
	g.expireOverflowLocked(job.Priority)
	metrics.InferenceQueueDepth.Set(float64(g.queue.Len()))
	g.mu.Unlock()

	g.signal()

	select {
	case out := <-qj.done:
		return out.result, out.err
	case <-ctx.Done():
		if g.tryRemove(qj) {
			g.recordOutcome(qj, 0, "cancelled", string(stderrors.ErrCodeJobCancelled))
			return Result{}, stderrors.NewJobCancelledError(job.Request.Stage)
		}
		// Already executing: the caller is treated as disconnected. The
		// execution continues and its result is discarded uncached.
		out := <-qj.done
		return out.result, out.err
	}
}

// Stop refuses new submissions, fails all queued jobs and waits for the
// executor to drain.
func (g *Gate) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	for g.queue.Len() > 0 {
		qj := heap.Pop(&g.queue).(*queuedJob)
		qj.state = stateDone
		qj.done <- outcome{err: stderrors.NewJobCancelledError(qj.job.Request.Stage)}
	}
	metrics.InferenceQueueDepth.Set(0)
	g.mu.Unlock()

	close(g.quit)
	<-g.done
}

func (g *Gate) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// expireOverflowLocked keeps the queue within the configured depth by
// expiring lower-priority queued jobs, oldest deadline pressure first.
func (g *Gate) expireOverflowLocked(incoming Priority) {
	for g.queue.Len() > g.maxDepth {
		victim := g.lowestPriorityLocked(incoming)
		if victim == nil {
			// Nothing below the incoming band: the newest job in the lowest
			// band pays for the overflow.
			victim = g.lowestPriorityLocked(PriorityInteractive + 1)
		}
		if victim == nil {
			return
		}
		heap.Remove(&g.queue, victim.index)
		victim.state = stateDone
		waited := time.Since(victim.enqueuedAt)
		victim.done <- outcome{err: stderrors.NewModelQueueTimeoutError(victim.job.Request.Stage, waited)}
		g.recordOutcome(victim, waited, "expired", string(stderrors.ErrCodeModelQueueTimeout))
	}
}

// lowestPriorityLocked returns the queued job in the lowest band strictly
// below limit, preferring the most recently enqueued within that band.
func (g *Gate) lowestPriorityLocked(limit Priority) *queuedJob {
	var victim *queuedJob
	for _, qj := range g.queue {
		if qj.job.Priority >= limit {
			continue
		}
		if victim == nil ||
			qj.job.Priority < victim.job.Priority ||
			(qj.job.Priority == victim.job.Priority && qj.seq > victim.seq) {
			victim = qj
		}
	}
	return victim
}

func (g *Gate) tryRemove(qj *queuedJob) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if qj.state != stateQueued || qj.index < 0 {
		return false
	}
	heap.Remove(&g.queue, qj.index)
	qj.state = stateDone
	metrics.InferenceQueueDepth.Set(float64(g.queue.Len()))
	return true
}

func (g *Gate) run() {
	defer close(g.done)
	for {
		qj := g.next()
		if qj == nil {
			select {
			case <-g.wake:
				continue
			case <-g.quit:
				return
			}
		}
		g.execute(qj)
	}
}

func (g *Gate) next() *queuedJob {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queue.Len() == 0 {
		return nil
	}
	qj := heap.Pop(&g.queue).(*queuedJob)
	qj.state = stateExecuting
	metrics.InferenceQueueDepth.Set(float64(g.queue.Len()))
	return qj
}

func (g *Gate) execute(qj *queuedJob) {
	waited := time.Since(qj.enqueuedAt)
	metrics.InferenceJobWait.WithLabelValues(qj.job.Priority.String()).Observe(waited.Seconds())

	// A job whose wait already exhausted its deadline is failed, not run.
	if qj.job.Deadline > 0 && waited > qj.job.Deadline {
		g.finish(qj, outcome{err: stderrors.NewModelQueueTimeoutError(qj.job.Request.Stage, waited)})
		g.recordOutcome(qj, waited, "expired", string(stderrors.ErrCodeModelQueueTimeout))
		return
	}

	execCtx := context.Background()
	var cancel context.CancelFunc = func() {}
	if qj.job.Deadline > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, qj.job.Deadline-waited)
	}
	start := time.Now()
	text, err := g.backend.Complete(execCtx, qj.job.Request)
	cancel()
	execTime := time.Since(start)

	metrics.InferenceJobExec.WithLabelValues(qj.job.Request.Stage).Observe(execTime.Seconds())

	if err != nil {
		var stdErr error
		code := stderrors.ErrCodeModelExecutionFailure
		if execCtx.Err() == context.DeadlineExceeded {
			stdErr = stderrors.NewModelQueueTimeoutError(qj.job.Request.Stage, waited+execTime)
			code = stderrors.ErrCodeModelQueueTimeout
		} else {
			stdErr = stderrors.NewModelExecutionFailureError(qj.job.Request.Stage, err)
		}
		g.finish(qj, outcome{err: stdErr})
		g.record(qj, waited, execTime, "failed", string(code))
		return
	}

	g.finish(qj, outcome{result: Result{Text: text, WaitTime: waited, ExecTime: execTime}})
	g.record(qj, waited, execTime, "completed", "")
}

func (g *Gate) finish(qj *queuedJob, out outcome) {
	g.mu.Lock()
	qj.state = stateDone
	g.mu.Unlock()
	qj.done <- out
}

// recordOutcome logs a job that never executed.
func (g *Gate) recordOutcome(qj *queuedJob, waited time.Duration, status, errorCode string) {
	g.record(qj, waited, 0, status, errorCode)
}

// record emits the per-job structured record, the only state the gate shares
// outward besides results.
func (g *Gate) record(qj *queuedJob, waited, execTime time.Duration, status, errorCode string) {
	fields := map[string]interface{}{
		"stage":    qj.job.Request.Stage,
		"priority": qj.job.Priority.String(),
		"waitMs":   waited.Milliseconds(),
		"execMs":   execTime.Milliseconds(),
		"outcome":  status,
	}

	ctx := context.Background()
	switch status {
	case "completed":
		metrics.InferenceJobsCompleted.WithLabelValues(qj.job.Request.Stage).Inc()
		g.logger.Info("inference job completed", fields)
	default:
		fields["errorCode"] = errorCode
		metrics.InferenceJobsFailed.WithLabelValues(qj.job.Request.Stage, errorCode).Inc()
		g.logger.Warn("inference job not completed", fields)
	}

	if g.obs != nil {
		g.obs.RecordJobProcessed(ctx, qj.job.Request.Stage, status)
		g.obs.RecordJobDuration(ctx, waited+execTime, qj.job.Request.Stage)
	}
}
