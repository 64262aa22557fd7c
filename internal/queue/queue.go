// Package queue implements the task queue driving all generation work: a
// priority queue with FIFO tie-breaking, drained by exactly one worker so at
// most one job is ever in flight.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genbot/internal/domain"
)

// Handler processes one dequeued job. A nil error completes the job; any
// error fails it with the error text as cause.
type Handler func(ctx context.Context, job *domain.Job) error

// Store is the persistence surface the queue needs for job lifecycle writes.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg *string) error
}

// Queue is safe for concurrent submission; only Run drains it, strictly one
// job at a time. Jobs sharing a scope key are released in submission order,
// so a refinement can never start before the job it refines has finished.
type Queue struct {
	mu      sync.Mutex
	items   itemHeap
	pending map[string][]*item
	active  map[string]bool
	seq     uint64
	wake    chan struct{}

	handlers map[domain.JobKind]Handler
	store    Store
	notifier domain.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

type item struct {
	job *domain.Job
	seq uint64
}

// New constructs an empty queue. Handlers must be registered before Run.
func New(store Store, notifier domain.Notifier, logger zerolog.Logger) *Queue {
	return &Queue{
		pending:  map[string][]*item{},
		active:   map[string]bool{},
		wake:     make(chan struct{}, 1),
		handlers: map[domain.JobKind]Handler{},
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Register binds a handler to a job kind. Submissions of unregistered kinds
// are rejected.
func (q *Queue) Register(kind domain.JobKind, h Handler) {
	q.handlers[kind] = h
}

// Submit validates the job, records it as queued and makes it eligible for
// the worker. It never waits on the drain loop.
func (q *Queue) Submit(ctx context.Context, job *domain.Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("%w: job is required", domain.ErrValidation)
	}
	if _, ok := q.handlers[job.Kind]; !ok {
		return "", fmt.Errorf("%w: unsupported job kind %q", domain.ErrValidation, job.Kind)
	}
	if len(job.PayloadJSON) == 0 || !json.Valid(job.PayloadJSON) {
		return "", fmt.Errorf("%w: job payload must be valid JSON", domain.ErrValidation)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = domain.JobStatusQueued
	job.CreatedAt = q.now().UTC()

	q.mu.Lock()
	if err := q.store.Create(ctx, job); err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("queue: persist job: %w", err)
	}
	q.seq++
	it := &item{job: job, seq: q.seq}
	if scope := job.ScopeKey; scope != "" && q.active[scope] {
		q.pending[scope] = append(q.pending[scope], it)
	} else {
		if scope := job.ScopeKey; scope != "" {
			q.active[scope] = true
		}
		heap.Push(&q.items, it)
	}
	q.mu.Unlock()

	q.signal()
	q.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("priority", job.Priority).
		Msg("queue: job submitted")
	return job.ID, nil
}

// Enqueue schedules an already persisted job without writing it again. Used
// when rebuilding the schedule from storage after a restart, or when jobs were
// submitted by a separate intake process.
func (q *Queue) Enqueue(job *domain.Job) {
	q.mu.Lock()
	q.seq++
	it := &item{job: job, seq: q.seq}
	if scope := job.ScopeKey; scope != "" && q.active[scope] {
		q.pending[scope] = append(q.pending[scope], it)
	} else {
		if scope := job.ScopeKey; scope != "" {
			q.active[scope] = true
		}
		heap.Push(&q.items, it)
	}
	q.mu.Unlock()
	q.signal()
}

// Run drains the queue until ctx is cancelled. Exactly one job is in flight
// at any moment; a job's failure never stops the loop.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info().Msg("queue: worker started")
	for {
		it, err := q.next(ctx)
		if err != nil {
			q.logger.Info().Msg("queue: worker stopped")
			return err
		}
		q.process(ctx, it.job)
	}
}

func (q *Queue) next(ctx context.Context) (*item, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(*item)
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *Queue) process(ctx context.Context, job *domain.Job) {
	q.transition(ctx, job, domain.JobStatusProcessing, "")

	// Restored or externally recorded jobs bypass Submit's kind check, so the
	// drain loop must not trust the kind either.
	var err error
	if handler, ok := q.handlers[job.Kind]; ok {
		err = handler(ctx, job)
	} else {
		err = fmt.Errorf("%w: unsupported job kind %q", domain.ErrValidation, job.Kind)
	}

	if err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("queue: job failed")
		q.transition(ctx, job, domain.JobStatusFailed, err.Error())
	} else {
		q.transition(ctx, job, domain.JobStatusCompleted, "")
	}

	if q.notifier != nil && job.RequestID != "" {
		q.notifier.Notify(ctx, job.RequestID, domain.Outcome{Status: job.Status, Cause: job.ErrorMessage})
	}
}

// transition serializes the status write and the matching queue-state change
// behind one critical section so readers never observe them out of order.
func (q *Queue) transition(ctx context.Context, job *domain.Job, status domain.JobStatus, cause string) {
	now := q.now().UTC()

	q.mu.Lock()
	job.Status = status
	switch status {
	case domain.JobStatusProcessing:
		job.StartedAt = &now
	case domain.JobStatusCompleted, domain.JobStatusFailed:
		job.CompletedAt = &now
		job.ErrorMessage = cause
		q.releaseScope(job.ScopeKey)
	}
	var errMsg *string
	if cause != "" {
		errMsg = &cause
	}
	storeErr := q.store.UpdateStatus(ctx, job.ID, status, errMsg)
	q.mu.Unlock()

	if storeErr != nil {
		q.logger.Error().Err(storeErr).Str("job_id", job.ID).Msg("queue: persist status failed")
	}
	if status.Terminal() {
		q.signal()
	}
}

// releaseScope promotes the next queued job of a scope once the previous one
// reached a terminal state. Caller holds the mutex.
func (q *Queue) releaseScope(scope string) {
	if scope == "" {
		return
	}
	waiting := q.pending[scope]
	if len(waiting) == 0 {
		delete(q.active, scope)
		return
	}
	next := waiting[0]
	if len(waiting) == 1 {
		delete(q.pending, scope)
	} else {
		q.pending[scope] = waiting[1:]
	}
	heap.Push(&q.items, next)
}

// StoreSubmitter persists jobs as queued without scheduling them in-process.
// Intake deployments use it when the drain loop runs in a separate worker,
// which discovers the rows by polling.
type StoreSubmitter struct {
	Store  Store
	Logger zerolog.Logger
}

func (s *StoreSubmitter) Submit(ctx context.Context, job *domain.Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("%w: job is required", domain.ErrValidation)
	}
	if !job.Kind.Valid() {
		return "", fmt.Errorf("%w: unsupported job kind %q", domain.ErrValidation, job.Kind)
	}
	if len(job.PayloadJSON) == 0 || !json.Valid(job.PayloadJSON) {
		return "", fmt.Errorf("%w: job payload must be valid JSON", domain.ErrValidation)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = domain.JobStatusQueued
	job.CreatedAt = time.Now().UTC()
	if err := s.Store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("queue: persist job: %w", err)
	}
	s.Logger.Info().Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("queue: job recorded for worker pickup")
	return job.ID, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// itemHeap orders by priority (higher first), then submission order.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
