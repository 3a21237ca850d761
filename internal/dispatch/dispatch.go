// Package dispatch is the upstream request-dispatch layer (C6): it accepts
// fetch jobs from the client-facing HTTP handlers, bounds the number of
// concurrent engine invocations with a fixed worker pool reading off a
// bounded FIFO queue, and emits a "request" event per completed job. The
// worker pool shape follows the teacher's eventbus.WorkerPool.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	uatomic "go.uber.org/atomic"

	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/engine"
	"github.com/fennwick/sentinel-egress/pkg/eventbus"
)

// Error is a dispatch-layer admission failure, distinct from engine.FetchError
// because it is raised before an engine invocation is even attempted.
type Error struct {
	Kind string
}

func (e *Error) Error() string { return e.Kind }

const (
	KindFull         = "DISPATCH_FULL"
	KindShuttingDown = "SHUTTING_DOWN"
)

// Event is published once per completed job, successful or not, so an
// attached monitoring subsystem can observe the dispatcher without the
// core depending on any consumer being present.
type Event struct {
	JobID        string
	URL          string
	SourceIP     string
	Status       int
	Duration     time.Duration
	ResponseSize int
	WaitTime     time.Duration
	ErrorKind    string
}

// Outcome is returned to the submitter once a job reaches a terminal state.
type Outcome struct {
	JobID         string
	Result        *engine.Result
	Err           error
	QueueWait     time.Duration
	ExecutionTime time.Duration
	TotalTime     time.Duration
}

type job struct {
	id          string
	url         string
	opts        engine.Options
	ctx         context.Context
	submittedAt time.Time
	done        chan jobOutcome
}

type jobOutcome struct {
	result        *engine.Result
	err           error
	cancelled     bool
	queueWait     time.Duration
	executionTime time.Duration
}

// Dispatcher bounds concurrent engine invocations to cfg.WorkerConcurrency
// fixed workers draining a cfg.QueueDepth buffered FIFO channel.
type Dispatcher struct {
	eng   *engine.Engine
	queue chan *job
	bus   *eventbus.EventBus[Event]
	wg    sync.WaitGroup

	closeMu      sync.RWMutex
	shuttingDown uatomic.Bool
	completed    uatomic.Int64
	cancelled    uatomic.Int64
	rejected     uatomic.Int64
}

// New starts cfg.WorkerConcurrency workers (default 10) reading off a
// queue of depth cfg.QueueDepth (default 100). bus may be nil: events are
// then dropped, matching the engine's "core does not depend on any
// consumer being attached" contract.
func New(eng *engine.Engine, cfg config.DispatchConfig, bus *eventbus.EventBus[Event]) *Dispatcher {
	workers := cfg.WorkerConcurrency
	if workers <= 0 {
		workers = 10
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 100
	}

	d := &Dispatcher{
		eng:   eng,
		queue: make(chan *job, depth),
		bus:   bus,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.process(j)
	}
}

func (d *Dispatcher) process(j *job) {
	queueWait := time.Since(j.submittedAt)

	if j.ctx.Err() != nil {
		d.cancelled.Add(1)
		j.done <- jobOutcome{cancelled: true, err: j.ctx.Err(), queueWait: queueWait}
		return
	}

	start := time.Now()
	result, err := d.eng.Fetch(j.ctx, j.url, j.opts)
	execTime := time.Since(start)
	d.completed.Add(1)

	j.done <- jobOutcome{result: result, err: err, queueWait: queueWait, executionTime: execTime}
	d.emit(j, result, err, queueWait, execTime)
}

func (d *Dispatcher) emit(j *job, result *engine.Result, err error, queueWait, execTime time.Duration) {
	if d.bus == nil {
		return
	}
	ev := Event{
		JobID:     j.id,
		URL:       j.url,
		Duration:  execTime,
		WaitTime:  queueWait,
	}
	if result != nil {
		ev.Status = result.Status
		ev.ResponseSize = len(result.Body)
		ev.SourceIP = result.SourceIP
	}
	if err != nil {
		if kind, ok := engine.KindOf(err); ok {
			ev.ErrorKind = string(kind)
		} else {
			ev.ErrorKind = "UNKNOWN"
		}
	}
	d.bus.Publish(ev)
}

// Submit enqueues a fetch job and blocks until it completes, is cancelled
// via ctx, or the queue is full (returned immediately, never blocking the
// submitter). While shutting down, submissions are rejected outright.
func (d *Dispatcher) Submit(ctx context.Context, url string, opts engine.Options) (*Outcome, error) {
	j := &job{
		id:          uuid.NewString(),
		url:         url,
		opts:        opts,
		ctx:         ctx,
		submittedAt: time.Now(),
		done:        make(chan jobOutcome, 1),
	}

	if err := d.enqueue(j); err != nil {
		return nil, err
	}

	select {
	case outcome := <-j.done:
		total := time.Since(j.submittedAt)
		if outcome.cancelled {
			return nil, outcome.err
		}
		return &Outcome{
			JobID:         j.id,
			Result:        outcome.result,
			Err:           outcome.err,
			QueueWait:     outcome.queueWait,
			ExecutionTime: outcome.executionTime,
			TotalTime:     total,
		}, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue admits j onto the queue, holding closeMu for reading so it can
// never race with Shutdown's close(d.queue): either shuttingDown is
// already visible here, or the close happens after this call returns.
func (d *Dispatcher) enqueue(j *job) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()

	if d.shuttingDown.Load() {
		d.rejected.Add(1)
		return &Error{Kind: KindShuttingDown}
	}

	select {
	case d.queue <- j:
		return nil
	default:
		d.rejected.Add(1)
		return &Error{Kind: KindFull}
	}
}

// Stats is a point-in-time read of dispatcher counters, for /health.
type Stats struct {
	Completed int64
	Cancelled int64
	Rejected  int64
	QueueLen  int
	QueueCap  int
}

// Snapshot reports the dispatcher's cumulative counters and current queue
// depth, for /health reporting.
func (d *Dispatcher) Snapshot() Stats {
	return Stats{
		Completed: d.completed.Load(),
		Cancelled: d.cancelled.Load(),
		Rejected:  d.rejected.Load(),
		QueueLen:  len(d.queue),
		QueueCap:  cap(d.queue),
	}
}

// Shutdown stops accepting new submissions and waits up to grace for
// in-flight and already-queued jobs to finish. Workers draining the
// channel keep running past grace; Shutdown simply stops waiting and
// returns, letting the caller forcibly close remaining connections
// (e.g. via the engine's bound clients) on the way out.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.shuttingDown.Store(true)

	d.closeMu.Lock()
	close(d.queue)
	d.closeMu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(grace):
	}
}
