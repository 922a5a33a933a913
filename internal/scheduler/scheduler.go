// Package scheduler runs download jobs on a bounded worker pool.
// Submitted jobs start in FIFO order; at most maxConcurrent run at
// once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/jmylchreest/hlsget/internal/job"
	"github.com/jmylchreest/hlsget/internal/observability"
)

var (
	ErrClosed      = errors.New("scheduler is closed")
	ErrJobNotFound = errors.New("job not found")
)

const queueBuffer = 1024

// Scheduler owns a pool of job workers. Create with New, feed with
// Submit, then Close and Wait to drain.
type Scheduler struct {
	runner *job.Runner
	logger *slog.Logger

	queue chan *queued
	wg    sync.WaitGroup

	// sendMu serializes queue sends with Close so a racing Close can
	// never close the channel mid-send.
	sendMu sync.Mutex
	closed bool

	mu    sync.Mutex
	jobs  map[string]*entry
	order []string
}

type queued struct {
	rec    *job.Record
	ctx    context.Context
	cancel context.CancelFunc
}

type entry struct {
	rec    *job.Record
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler running at most maxConcurrent jobs at once.
func New(runner *job.Runner, maxConcurrent int, logger *slog.Logger) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner: runner,
		logger: observability.WithComponent(logger, "scheduler"),
		queue:  make(chan *queued, queueBuffer),
		jobs:   make(map[string]*entry),
	}
	for i := 0; i < maxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// Submit queues a job for execution and returns its record
// immediately. The job runs under ctx; cancelling ctx or calling
// Cancel stops it. Submit blocks only when the queue buffer is full.
func (s *Scheduler) Submit(ctx context.Context, spec job.Spec) (*job.Record, error) {
	rec := job.NewRecord(spec)
	jobCtx, cancel := context.WithCancel(ctx)

	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	s.mu.Lock()
	s.jobs[rec.ID()] = &entry{rec: rec, cancel: cancel, done: make(chan struct{})}
	s.order = append(s.order, rec.ID())
	s.mu.Unlock()
	s.queue <- &queued{rec: rec, ctx: jobCtx, cancel: cancel}
	s.sendMu.Unlock()

	s.logger.Info("job queued",
		slog.String("job_id", rec.ID()),
		slog.String("job", spec.Name),
	)
	return rec, nil
}

// Job returns the record for an ID.
func (s *Scheduler) Job(id string) (*job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return e.rec, nil
}

// Jobs returns all records in submission order.
func (s *Scheduler) Jobs() []*job.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*job.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].rec)
	}
	return out
}

// Cancel stops a queued or running job. Cancelling a terminal job is a
// no-op.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	e.cancel()
	return nil
}

// Close stops accepting new jobs. Queued jobs still run.
func (s *Scheduler) Close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// AwaitAll blocks until every job submitted so far reaches a terminal
// state or ctx is cancelled. It does not close the scheduler.
func (s *Scheduler) AwaitAll(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.jobs[id])
	}
	s.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait blocks until the scheduler is closed and all workers have
// drained the queue.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Summary aggregates terminal job counts.
type Summary struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
}

// Summarize tallies job outcomes.
func (s *Scheduler) Summarize() Summary {
	var sum Summary
	for _, rec := range s.Jobs() {
		sum.Total++
		switch rec.State() {
		case job.StateCompleted:
			sum.Completed++
		case job.StateFailed:
			sum.Failed++
		case job.StateCancelled:
			sum.Cancelled++
		}
	}
	return sum
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for q := range s.queue {
		s.runOne(id, q)
	}
}

// runOne executes a job, containing any panic so one bad job cannot
// take down the pool.
func (s *Scheduler) runOne(workerID int, q *queued) {
	defer q.cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				slog.String("job_id", q.rec.ID()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			q.rec.Fail(fmt.Errorf("job panicked: %v", r))
		}
		s.finish(q.rec.ID())
	}()

	s.logger.Debug("job started",
		slog.String("job_id", q.rec.ID()),
		slog.Int("worker", workerID),
	)
	s.runner.RunRecord(q.ctx, q.rec)
}

func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if ok {
		close(e.done)
	}
}
