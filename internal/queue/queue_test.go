package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genbot/internal/domain"
)

type memStore struct {
	mu          sync.Mutex
	created     []string
	transitions map[string][]domain.JobStatus
}

func newMemStore() *memStore {
	return &memStore{transitions: map[string][]domain.JobStatus{}}
}

func (s *memStore) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, job.ID)
	s.transitions[job.ID] = append(s.transitions[job.ID], job.Status)
	return nil
}

func (s *memStore) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[jobID] = append(s.transitions[jobID], status)
	return nil
}

func (s *memStore) history(jobID string) []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.JobStatus, len(s.transitions[jobID]))
	copy(out, s.transitions[jobID])
	return out
}

type memNotifier struct {
	mu       sync.Mutex
	outcomes map[string][]domain.Outcome
}

func newMemNotifier() *memNotifier {
	return &memNotifier{outcomes: map[string][]domain.Outcome{}}
}

func (n *memNotifier) Notify(ctx context.Context, requestID string, outcome domain.Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes[requestID] = append(n.outcomes[requestID], outcome)
}

func genJob(scope, requestID string, priority int) *domain.Job {
	return &domain.Job{
		Kind:        domain.JobKindGeneration,
		Priority:    priority,
		ScopeKey:    scope,
		RequestID:   requestID,
		PayloadJSON: []byte(`{"request_id":"` + requestID + `"}`),
	}
}

// runUntil drains the queue in the background until done is closed.
func runUntil(t *testing.T, q *Queue, done chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(finished)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not finish in time")
	}
	cancel()
	<-finished
}

func TestSubmitValidation(t *testing.T) {
	q := New(newMemStore(), nil, zerolog.Nop())
	q.Register(domain.JobKindGeneration, func(ctx context.Context, job *domain.Job) error { return nil })

	if _, err := q.Submit(context.Background(), nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("nil job: got %v", err)
	}
	if _, err := q.Submit(context.Background(), &domain.Job{Kind: "bogus", PayloadJSON: []byte(`{}`)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown kind: got %v", err)
	}
	bad := genJob("", "r", 0)
	bad.PayloadJSON = []byte(`{not json`)
	if _, err := q.Submit(context.Background(), bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("invalid payload: got %v", err)
	}
}

func TestTransitionOrder(t *testing.T) {
	store := newMemStore()
	q := New(store, nil, zerolog.Nop())

	done := make(chan struct{})
	q.Register(domain.JobKindGeneration, func(ctx context.Context, job *domain.Job) error {
		defer close(done)
		return nil
	})

	job := genJob("", "req-1", 0)
	id, err := q.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	runUntil(t, q, done)

	want := []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusProcessing, domain.JobStatusCompleted}
	got := store.history(id)
	if len(got) != len(want) {
		t.Fatalf("transition history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("timestamps not recorded: %+v", job)
	}
}

func TestNoConcurrentProcessing(t *testing.T) {
	store := newMemStore()
	q := New(store, nil, zerolog.Nop())

	var mu sync.Mutex
	var inFlight, maxInFlight, processed int
	const total = 6
	done := make(chan struct{})

	q.Register(domain.JobKindGeneration, func(ctx context.Context, job *domain.Job) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		processed++
		if processed == total {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := q.Submit(context.Background(), genJob("", "", n%3)); err != nil {
				t.Errorf("Submit error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	runUntil(t, q, done)

	if maxInFlight != 1 {
		t.Fatalf("max in-flight = %d, want 1", maxInFlight)
	}
}

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	store := newMemStore()
	q := New(store, nil, zerolog.Nop())

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	q.Register(domain.JobKindGeneration, func(ctx context.Context, job *domain.Job) error {
		mu.Lock()
		order = append(order, job.RequestID)
		if len(order) == 4 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	// Submitted before the worker starts so ordering is fully determined.
	for _, j := range []*domain.Job{
		genJob("", "low-1", 0),
		genJob("", "high-1", 5),
		genJob("", "low-2", 0),
		genJob("", "high-2", 5),
	} {
		if _, err := q.Submit(context.Background(), j); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	runUntil(t, q, done)

	want := []string{"high-1", "high-2", "low-1", "low-2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestScopeGatingHoldsRefinement(t *testing.T) {
	store := newMemStore()
	q := New(store, nil, zerolog.Nop())

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	q.Register(domain.JobKindGeneration, func(ctx context.Context, job *domain.Job) error {
		mu.Lock()
		order = append(order, job.RequestID)
		if len(order) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	// The refinement outranks its baseline by priority but shares its scope:
	// it must still wait for the baseline to finish.
	baseline := genJob("guild/thread-1", "baseline", 0)
	refinement := genJob("guild/thread-1", "refinement", 10)
	other := genJob("guild/thread-2", "other", 1)
	for _, j := range []*domain.Job{baseline, refinement, other} {
		if _, err := q.Submit(context.Background(), j); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	runUntil(t, q, done)

	idxOf := func(id string) int {
		for i, v := range order {
			if v == id {
				return i
			}
		}
		t.Fatalf("%s not processed: %v", id, order)
		return -1
	}
	if idxOf("refinement") < idxOf("baseline") {
		t.Fatalf("refinement ran before baseline: %v", order)
	}
}

func TestEnqueueRestoresWithoutRewriting(t *testing.T) {
	store := newMemStore()
	q := New(store, nil, zerolog.Nop())

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	q.Register(domain.JobKindGeneration, func(ctx context.Context, job *domain.Job) error {
		mu.Lock()
		order = append(order, job.ID)
		if len(order) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	// Restored jobs share a scope and must keep their stored order.
	first := &domain.Job{ID: "job-a", Kind: domain.JobKindGeneration, Status: domain.JobStatusQueued,
		ScopeKey: "g/t", PayloadJSON: []byte(`{}`)}
	second := &domain.Job{ID: "job-b", Kind: domain.JobKindGeneration, Status: domain.JobStatusQueued,
		ScopeKey: "g/t", Priority: 9, PayloadJSON: []byte(`{}`)}
	q.Enqueue(first)
	q.Enqueue(second)
	runUntil(t, q, done)

	if order[0] != "job-a" || order[1] != "job-b" {
		t.Fatalf("order = %v, want [job-a job-b]", order)
	}
	if len(store.created) != 0 {
		t.Fatalf("Enqueue must not re-create job rows, got %v", store.created)
	}
}

func TestStoreSubmitterPersistsOnly(t *testing.T) {
	store := newMemStore()
	s := &StoreSubmitter{Store: store, Logger: zerolog.Nop()}

	job := genJob("g/t", "req-1", 3)
	id, err := s.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if id == "" || job.Status != domain.JobStatusQueued {
		t.Fatalf("job not recorded as queued: %+v", job)
	}
	if len(store.created) != 1 || store.created[0] != id {
		t.Fatalf("store.created = %v", store.created)
	}

	bad := genJob("", "r", 0)
	bad.PayloadJSON = []byte(`oops`)
	if _, err := s.Submit(context.Background(), bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("invalid payload: got %v", err)
	}
}

func TestUnregisteredKindFailsJobWithoutStoppingLoop(t *testing.T) {
	store := newMemStore()
	notifier := newMemNotifier()
	q := New(store, notifier, zerolog.Nop())

	done := make(chan struct{})
	q.Register(domain.JobKindGeneration, func(ctx context.Context, job *domain.Job) error {
		close(done)
		return nil
	})

	// A stored row with a kind this build does not know, fed back in by
	// recovery, must fail cleanly instead of taking down the drain loop.
	unknown := &domain.Job{ID: "job-video", Kind: "video", Status: domain.JobStatusQueued,
		RequestID: "req-video", Priority: 5, PayloadJSON: []byte(`{}`)}
	q.Enqueue(unknown)
	if _, err := q.Submit(context.Background(), genJob("", "req-after", 0)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	runUntil(t, q, done)

	hist := store.history("job-video")
	if len(hist) == 0 || hist[len(hist)-1] != domain.JobStatusFailed {
		t.Fatalf("unknown-kind job history = %v", hist)
	}
	if !strings.Contains(unknown.ErrorMessage, "unsupported job kind") {
		t.Fatalf("cause = %q", unknown.ErrorMessage)
	}
	if got := notifier.outcomes["req-video"]; len(got) != 1 || got[0].Status != domain.JobStatusFailed {
		t.Fatalf("outcome = %v", got)
	}
}

func TestStoreSubmitterRejectsUnknownKind(t *testing.T) {
	store := newMemStore()
	s := &StoreSubmitter{Store: store, Logger: zerolog.Nop()}

	bad := genJob("", "r", 0)
	bad.Kind = "video"
	if _, err := s.Submit(context.Background(), bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown kind: got %v", err)
	}
	if len(store.created) != 0 {
		t.Fatalf("rejected job must not be stored, got %v", store.created)
	}
}

func TestLoopSurvivesFailureAndNotifiesOnce(t *testing.T) {
	store := newMemStore()
	notifier := newMemNotifier()
	q := New(store, notifier, zerolog.Nop())

	var mu sync.Mutex
	var processed int
	done := make(chan struct{})
	q.Register(domain.JobKindGeneration, func(ctx context.Context, job *domain.Job) error {
		mu.Lock()
		processed++
		if processed == 2 {
			close(done)
		}
		mu.Unlock()
		if job.RequestID == "req-fail" {
			return errors.New("render timed out")
		}
		return nil
	})

	failing := genJob("", "req-fail", 5)
	ok := genJob("", "req-ok", 0)
	failID, err := q.Submit(context.Background(), failing)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if _, err := q.Submit(context.Background(), ok); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	runUntil(t, q, done)

	hist := store.history(failID)
	if hist[len(hist)-1] != domain.JobStatusFailed {
		t.Fatalf("failing job history = %v", hist)
	}
	if failing.ErrorMessage == "" {
		t.Fatalf("failed job must carry a cause")
	}

	if got := notifier.outcomes["req-fail"]; len(got) != 1 || got[0].Status != domain.JobStatusFailed || got[0].Cause == "" {
		t.Fatalf("failure outcome = %v", got)
	}
	if got := notifier.outcomes["req-ok"]; len(got) != 1 || got[0].Status != domain.JobStatusCompleted {
		t.Fatalf("success outcome = %v", got)
	}
}
