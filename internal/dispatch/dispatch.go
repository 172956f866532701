// ABOUTME: In-process async job dispatcher with priorities, delays and cron jobs
// ABOUTME: Runs one serial worker per job kind with panic isolation and retries

package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hublia/routeflow/internal/clock"
)

// Job kinds handled by the engine. Each kind runs on its own serial worker,
// so jobs of one kind never interleave.
const (
	KindStoreInbound    = "store-inbound-message"
	KindSendOutbound    = "send-outbound-message"
	KindFetchContactPic = "fetch-contact-picture"
	KindSendScheduled   = "send-scheduled-message"
	KindSweepRatings    = "sweep-pending-ratings"
	KindSweepSchedules  = "sweep-due-schedules"
	KindDegradeSessions = "degrade-overused-sessions"
)

// ErrUnknownKind is returned when enqueueing a kind with no registered handler
var ErrUnknownKind = errors.New("no handler registered for job kind")

// Job is one unit of background work. Priority follows queue convention:
// lower values run first among jobs due at the same instant.
type Job struct {
	ID          string
	Kind        string
	Payload     any
	Priority    int
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
}

// HandlerFunc processes one job. Returning an error triggers a retry until
// MaxAttempts is exhausted.
type HandlerFunc func(ctx context.Context, job *Job) error

// Option tunes a single enqueue.
type Option func(*Job)

// WithDelay postpones the job's first run.
func WithDelay(d time.Duration) Option {
	return func(j *Job) { j.RunAt = j.RunAt.Add(d) }
}

// WithPriority sets the job priority. Lower runs first.
func WithPriority(p int) Option {
	return func(j *Job) { j.Priority = p }
}

// WithMaxAttempts overrides the default single attempt.
func WithMaxAttempts(n int) Option {
	return func(j *Job) { j.MaxAttempts = n }
}

// Record is the retained outcome of a finished job.
type Record struct {
	Job        *Job
	Err        error
	FinishedAt time.Time
}

// Retention bounds how many finished jobs are kept per kind.
type Retention struct {
	MaxAge   time.Duration
	MaxCount int
}

type periodicEntry struct {
	kind     string
	payload  any
	interval time.Duration
	nextAt   time.Time
}

// Dispatcher schedules and runs background jobs. One goroutine orders jobs by
// (run time, priority); one goroutine per registered kind executes them
// serially. A handler panic fails the job without taking the worker down.
type Dispatcher struct {
	clk       clock.Clock
	logger    *slog.Logger
	retention Retention

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	queues    map[string]chan *Job
	pending   jobHeap
	periodics []*periodicEntry
	records   map[string][]Record
	seq       uint64
	running   bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a dispatcher. Pass nil logger for default.
func New(clk clock.Clock, retention Retention, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if retention.MaxCount == 0 {
		retention.MaxCount = 1000
	}
	if retention.MaxAge == 0 {
		retention.MaxAge = 24 * time.Hour
	}
	return &Dispatcher{
		clk:       clk,
		logger:    logger.With("component", "dispatch"),
		retention: retention,
		handlers:  make(map[string]HandlerFunc),
		queues:    make(map[string]chan *Job),
		records:   make(map[string][]Record),
		wake:      make(chan struct{}, 1),
	}
}

// Register binds a handler to a job kind. Must be called before Run.
func (d *Dispatcher) Register(kind string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
	d.queues[kind] = make(chan *Job, 128)
}

// Enqueue schedules a job. The returned job carries the assigned id.
func (d *Dispatcher) Enqueue(kind string, payload any, opts ...Option) (*Job, error) {
	d.mu.Lock()
	if _, ok := d.handlers[kind]; !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	job := &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     payload,
		RunAt:       d.clk.Now(),
		MaxAttempts: 1,
	}
	for _, opt := range opts {
		opt(job)
	}

	d.seq++
	heap.Push(&d.pending, &heapItem{job: job, seq: d.seq})
	d.mu.Unlock()

	d.kick()
	return job, nil
}

// Every registers a recurring job. The first run happens one interval after
// Run starts, then every interval thereafter. The payload is shared across
// runs and must be treated as read-only by the handler.
func (d *Dispatcher) Every(interval time.Duration, kind string, payload any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	d.periodics = append(d.periodics, &periodicEntry{
		kind:     kind,
		payload:  payload,
		interval: interval,
	})
	return nil
}

// Run starts the workers and the scheduling loop, blocking until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	now := d.clk.Now()
	for _, p := range d.periodics {
		p.nextAt = now.Add(p.interval)
	}
	for kind, queue := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, kind, d.handlers[kind], queue)
	}
	d.mu.Unlock()

	d.logger.Info("dispatcher started", "kinds", len(d.queues))
	d.schedule(ctx)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// kick nudges the scheduling loop after an enqueue.
func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// schedule moves due jobs onto their kind's worker queue.
func (d *Dispatcher) schedule(ctx context.Context) {
	for {
		now := d.clk.Now()
		var next time.Time
		d.mu.Lock()

		// Fire periodic entries that came due.
		for _, p := range d.periodics {
			for !p.nextAt.After(now) {
				d.seq++
				heap.Push(&d.pending, &heapItem{
					job: &Job{
						ID:          uuid.New().String(),
						Kind:        p.kind,
						Payload:     p.payload,
						RunAt:       p.nextAt,
						MaxAttempts: 1,
					},
					seq: d.seq,
				})
				p.nextAt = p.nextAt.Add(p.interval)
			}
			if next.IsZero() || p.nextAt.Before(next) {
				next = p.nextAt
			}
		}

		// Hand due jobs to their workers.
		var overflow []*heapItem
		for d.pending.Len() > 0 {
			item := d.pending[0]
			if item.job.RunAt.After(now) {
				if next.IsZero() || item.job.RunAt.Before(next) {
					next = item.job.RunAt
				}
				break
			}
			heap.Pop(&d.pending)
			select {
			case d.queues[item.job.Kind] <- item.job:
			default:
				// Worker backlog full; retry this job on the next pass.
				overflow = append(overflow, item)
			}
		}
		for _, item := range overflow {
			heap.Push(&d.pending, item)
		}
		if len(overflow) > 0 && next.IsZero() {
			next = now.Add(100 * time.Millisecond)
		}
		d.mu.Unlock()

		var timer <-chan time.Time
		if !next.IsZero() {
			timer = d.clk.After(next.Sub(now))
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-timer:
		}
	}
}

// worker runs one kind's jobs serially.
func (d *Dispatcher) worker(ctx context.Context, kind string, handler HandlerFunc, queue chan *Job) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-queue:
			err := d.runJob(ctx, handler, job)
			if err != nil && job.Attempts < job.MaxAttempts {
				d.retry(job, err)
				continue
			}
			d.record(job, err)
			if err != nil {
				d.logger.Error("job failed", "kind", kind, "job_id", job.ID,
					"attempts", job.Attempts, "error", err)
			}
		}
	}
}

// runJob executes the handler with panic isolation.
func (d *Dispatcher) runJob(ctx context.Context, handler HandlerFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	job.Attempts++
	return handler(ctx, job)
}

// retry puts a failed job back on the heap with a linear backoff.
func (d *Dispatcher) retry(job *Job, cause error) {
	backoff := time.Duration(job.Attempts) * 5 * time.Second
	job.RunAt = d.clk.Now().Add(backoff)

	d.mu.Lock()
	d.seq++
	heap.Push(&d.pending, &heapItem{job: job, seq: d.seq})
	d.mu.Unlock()

	d.logger.Warn("job retrying", "kind", job.Kind, "job_id", job.ID,
		"attempt", job.Attempts, "backoff", backoff, "error", cause)
	d.kick()
}

// record retains a finished job, pruning by age and count.
func (d *Dispatcher) record(job *Job, err error) {
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	recs := append(d.records[job.Kind], Record{Job: job, Err: err, FinishedAt: now})
	cutoff := now.Add(-d.retention.MaxAge)
	trimmed := recs[:0]
	for _, r := range recs {
		if r.FinishedAt.After(cutoff) {
			trimmed = append(trimmed, r)
		}
	}
	if len(trimmed) > d.retention.MaxCount {
		trimmed = trimmed[len(trimmed)-d.retention.MaxCount:]
	}
	d.records[job.Kind] = trimmed
}

// Finished returns the retained outcomes for a kind, oldest first.
func (d *Dispatcher) Finished(kind string) []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, len(d.records[kind]))
	copy(out, d.records[kind])
	return out
}

// heapItem orders jobs by run time, then priority, then insertion order.
type heapItem struct {
	job *Job
	seq uint64
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
