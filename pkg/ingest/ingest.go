// Package ingest runs a bounded job queue with a fixed worker pool in front
// of the vision pipeline. The queue never blocks the transport read loop:
// overflow is resolved by policy (reject, wait with a deadline, or drop the
// oldest queued job) and every outcome is counted for observability.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue rejects a job on overflow.
	ErrQueueFull = errors.New("ingest: queue full")

	// ErrDropped is returned to a job evicted by the drop_oldest policy.
	ErrDropped = errors.New("ingest: dropped by overflow policy")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ingest: queue closed")
)

// Policy decides what happens when the queue is full.
type Policy string

const (
	// PolicyReject fails the submit immediately.
	PolicyReject Policy = "reject"
	// PolicyWait blocks the submit up to the enqueue timeout.
	PolicyWait Policy = "wait"
	// PolicyDropOldest evicts the oldest queued job to make room.
	PolicyDropOldest Policy = "drop_oldest"
)

// ParsePolicy normalizes a policy name, falling back to reject.
func ParsePolicy(name string) Policy {
	switch Policy(name) {
	case PolicyWait, PolicyDropOldest:
		return Policy(name)
	default:
		return PolicyReject
	}
}

// Handler processes one job payload.
type Handler func(ctx context.Context, payload any) (map[string]any, error)

// Options tunes a Queue. Zero values take defaults.
type Options struct {
	MaxSize        int           // default 64
	Workers        int           // default 2
	Policy         Policy        // default reject
	EnqueueTimeout time.Duration // wait policy deadline, default 500ms
	Handler        Handler
	Logger         *slog.Logger
}

type job struct {
	payload any
	done    chan result
}

type result struct {
	value map[string]any
	err   error
}

// Queue is the bounded ingest queue. Safe for concurrent use.
type Queue struct {
	jobs           chan *job
	done           chan struct{}
	policy         Policy
	workers        int
	maxSize        int
	enqueueTimeout time.Duration
	handler        Handler
	logger         *slog.Logger

	// sendMu is held shared for the duration of every send on jobs. Close
	// takes it exclusively after closing done, so no sender can still be
	// inside enqueue when the channel closes.
	sendMu sync.RWMutex

	mu       sync.Mutex
	closed   bool
	inFlight int
	stats    Stats
	wg       sync.WaitGroup
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Policy         Policy  `json:"policy"`
	Workers        int     `json:"workers"`
	MaxSize        int     `json:"max_size"`
	Depth          int     `json:"depth"`
	MaxDepth       int     `json:"max_depth"`
	Utilization    float64 `json:"utilization"`
	InFlight       int     `json:"in_flight"`
	EnqueuedTotal  int64   `json:"enqueued_total"`
	ProcessedTotal int64   `json:"processed_total"`
	FailedTotal    int64   `json:"failed_total"`
	RejectedTotal  int64   `json:"rejected_total"`
	DroppedTotal   int64   `json:"dropped_total"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`

	latencyTotalMS float64
	latencySamples int64
}

// New builds and starts a Queue. The workers run until Close.
func New(opts Options) *Queue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	q := &Queue{
		jobs:           make(chan *job, opts.MaxSize),
		done:           make(chan struct{}),
		policy:         opts.Policy,
		workers:        opts.Workers,
		maxSize:        opts.MaxSize,
		enqueueTimeout: opts.EnqueueTimeout,
		handler:        opts.Handler,
		logger:         opts.Logger,
	}
	q.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go q.worker()
	}
	return q
}

// Submit enqueues a job and blocks until it is processed, rejected, or ctx
// is done.
func (q *Queue) Submit(ctx context.Context, payload any) (map[string]any, error) {
	j := &job{payload: payload, done: make(chan result, 1)}
	if err := q.enqueue(ctx, j); err != nil {
		return nil, err
	}
	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) enqueue(ctx context.Context, j *job) error {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	switch q.policy {
	case PolicyWait:
		select {
		case q.jobs <- j:
		default:
			q.mu.Unlock()
			timer := time.NewTimer(q.enqueueTimeout)
			defer timer.Stop()
			select {
			case q.jobs <- j:
				q.mu.Lock()
			case <-timer.C:
				q.mu.Lock()
				q.stats.RejectedTotal++
				q.mu.Unlock()
				return ErrQueueFull
			case <-ctx.Done():
				return ctx.Err()
			case <-q.done:
				return ErrClosed
			}
		}
	case PolicyDropOldest:
		for {
			select {
			case q.jobs <- j:
			default:
				select {
				case dropped := <-q.jobs:
					q.stats.DroppedTotal++
					dropped.done <- result{err: ErrDropped}
				default:
				}
				continue
			}
			break
		}
	default: // reject
		select {
		case q.jobs <- j:
		default:
			q.stats.RejectedTotal++
			q.mu.Unlock()
			return ErrQueueFull
		}
	}

	q.stats.EnqueuedTotal++
	if depth := len(q.jobs); depth > q.stats.MaxDepth {
		q.stats.MaxDepth = depth
	}
	q.mu.Unlock()
	return nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.mu.Lock()
		q.inFlight++
		q.mu.Unlock()

		started := time.Now()
		var r result
		if q.handler == nil {
			r.err = errors.New("ingest: no handler configured")
		} else {
			r.value, r.err = q.handler(context.Background(), j.payload)
		}
		elapsed := time.Since(started)

		q.mu.Lock()
		q.inFlight--
		q.stats.latencyTotalMS += float64(elapsed) / float64(time.Millisecond)
		q.stats.latencySamples++
		if r.err != nil {
			q.stats.FailedTotal++
		} else {
			q.stats.ProcessedTotal++
		}
		q.mu.Unlock()
		if r.err != nil {
			q.logger.Warn("ingest: job failed", "error", r.err)
		}
		j.done <- r
	}
}

// Close stops accepting jobs and waits for the workers to drain the queue.
// Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	q.mu.Unlock()

	// Closing done wakes any sender parked in the wait branch; the exclusive
	// hold then waits the rest out before the channel closes.
	close(q.done)
	q.sendMu.Lock()
	close(q.jobs)
	q.sendMu.Unlock()
	q.wg.Wait()
}

// Snapshot returns the current queue counters.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Policy = q.policy
	s.Workers = q.workers
	s.MaxSize = q.maxSize
	s.Depth = len(q.jobs)
	s.InFlight = q.inFlight
	if q.maxSize > 0 {
		s.Utilization = float64(s.Depth) / float64(q.maxSize)
	}
	if s.latencySamples > 0 {
		s.AvgLatencyMS = s.latencyTotalMS / float64(s.latencySamples)
	}
	return s
}
