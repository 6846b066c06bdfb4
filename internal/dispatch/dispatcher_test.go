package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers/image"
)

type genStore struct {
	mu   sync.Mutex
	gens map[string]*domain.Generation
}

func newGenStore(gens ...*domain.Generation) *genStore {
	s := &genStore{gens: map[string]*domain.Generation{}}
	for _, g := range gens {
		cp := *g
		s.gens[g.ID] = &cp
	}
	return s
}

func (s *genStore) get(id string) domain.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.gens[id]
}

func (s *genStore) setStatus(id string, status domain.GenerationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[id].Status = status
}

func (s *genStore) Create(_ context.Context, g *domain.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.gens[g.ID] = &cp
	return nil
}

func (s *genStore) GetByID(_ context.Context, id string) (*domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *genStore) GetForUser(ctx context.Context, id, userID string) (*domain.Generation, error) {
	return s.GetByID(ctx, id)
}

func (s *genStore) ListByUser(context.Context, string, int) ([]domain.Generation, error) {
	return nil, nil
}

func (s *genStore) transition(id string, from []domain.GenerationStatus, to domain.GenerationStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok {
		return false
	}
	for _, st := range from {
		if g.Status == st {
			g.Status = to
			return true
		}
	}
	return false
}

func (s *genStore) MarkRunning(_ context.Context, id string) (bool, error) {
	return s.transition(id, []domain.GenerationStatus{domain.GenerationQueued}, domain.GenerationRunning), nil
}

func (s *genStore) MarkCompleted(_ context.Context, id, outputURL string) (bool, error) {
	ok := s.transition(id, []domain.GenerationStatus{domain.GenerationRunning}, domain.GenerationCompleted)
	if ok {
		s.mu.Lock()
		s.gens[id].OutputURL = outputURL
		s.mu.Unlock()
	}
	return ok, nil
}

func (s *genStore) MarkFailed(_ context.Context, id, errorMessage string) (bool, error) {
	ok := s.transition(id, []domain.GenerationStatus{domain.GenerationQueued, domain.GenerationRunning}, domain.GenerationFailed)
	if ok {
		s.mu.Lock()
		s.gens[id].ErrorMessage = errorMessage
		s.mu.Unlock()
	}
	return ok, nil
}

func (s *genStore) MarkCancelled(_ context.Context, id string) (bool, error) {
	return s.transition(id, []domain.GenerationStatus{domain.GenerationQueued, domain.GenerationRunning}, domain.GenerationCancelled), nil
}

type stubQueue struct {
	mu       sync.Mutex
	acked    []string
	retried  []string
	retryOut bool
}

func (q *stubQueue) Enqueue(context.Context, string, []byte) error { return nil }
func (q *stubQueue) Claim(context.Context) (*domain.Job, error)    { return nil, domain.ErrNoJob }
func (q *stubQueue) ReapExpired(context.Context) (int, error)      { return 0, nil }

func (q *stubQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *stubQueue) Retry(_ context.Context, job *domain.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, job.JobID)
	return q.retryOut, nil
}

func (q *stubQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

// stubLedger mirrors the single-statement refund of the real ledger: the
// refunded flag and the credit apply together, or not at all when failNext
// is armed.
type stubLedger struct {
	mu       sync.Mutex
	gens     *genStore
	credited map[string]int
	calls    int
	failNext error
}

func (l *stubLedger) TryDebit(context.Context, string, int) (bool, int, error) {
	return false, 0, errors.New("not used")
}

func (l *stubLedger) Credit(_ context.Context, userID string, amount int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.credited == nil {
		l.credited = map[string]int{}
	}
	l.credited[userID] += amount
	return l.credited[userID], nil
}

func (l *stubLedger) RefundOnce(_ context.Context, generationID string) (bool, error) {
	l.mu.Lock()
	if err := l.failNext; err != nil {
		l.failNext = nil
		l.mu.Unlock()
		return false, err
	}
	l.mu.Unlock()

	l.gens.mu.Lock()
	g, ok := l.gens.gens[generationID]
	if !ok || g.Refunded || g.Status == domain.GenerationCompleted || !g.Status.IsTerminal() {
		l.gens.mu.Unlock()
		return false, nil
	}
	g.Refunded = true
	userID, amount := g.UserID, g.CreditsUsed
	l.gens.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.credited == nil {
		l.credited = map[string]int{}
	}
	l.credited[userID] += amount
	l.calls++
	return true, nil
}

func (l *stubLedger) InFlightCount(context.Context, string) (int, error) { return 0, nil }
func (l *stubLedger) GetUser(context.Context, string) (*domain.User, error) {
	return nil, domain.ErrNotFound
}

type stubRouter struct {
	fn func(ctx context.Context, provider domain.Provider, req image.Request) (image.NormalizedOutput, error)
}

func (r *stubRouter) Invoke(ctx context.Context, provider domain.Provider, req image.Request) (image.NormalizedOutput, error) {
	return r.fn(ctx, provider, req)
}

func queuedGen(id string) *domain.Generation {
	return &domain.Generation{
		ID:          id,
		UserID:      "u1",
		PresetID:    "p1",
		Provider:    domain.ProviderFluxDev,
		InputValues: map[string]string{"prompt": "a lighthouse at dusk"},
		OutputSize:  domain.OutputSizeSquare,
		CreditsUsed: 3,
		Status:      domain.GenerationQueued,
	}
}

func jobFor(id string) *domain.Job {
	return &domain.Job{
		JobID:       id,
		Payload:     []byte(`{"generation_id":"` + id + `","prompt":"a lighthouse at dusk"}`),
		Status:      domain.JobLeased,
		Attempts:    0,
		MaxAttempts: 3,
	}
}

func newTestDispatcher(gens *genStore, queue *stubQueue, ledger *stubLedger, router Router) *Dispatcher {
	ledger.gens = gens
	return New(queue, gens, ledger, router, Options{}, zerolog.Nop())
}

func TestProcessCompletesGeneration(t *testing.T) {
	gens := newGenStore(queuedGen("g1"))
	queue := &stubQueue{}
	ledger := &stubLedger{}
	router := &stubRouter{fn: func(_ context.Context, _ domain.Provider, req image.Request) (image.NormalizedOutput, error) {
		if req.Prompt != "a lighthouse at dusk" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		return image.NormalizedOutput{URL: "https://cdn.example/g1.png"}, nil
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	d.Process(context.Background(), jobFor("g1"))

	g := gens.get("g1")
	if g.Status != domain.GenerationCompleted {
		t.Fatalf("status = %s, want COMPLETED", g.Status)
	}
	if g.OutputURL != "https://cdn.example/g1.png" {
		t.Fatalf("output url = %q", g.OutputURL)
	}
	if queue.ackCount() != 1 {
		t.Fatalf("acks = %d, want 1", queue.ackCount())
	}
	if ledger.calls != 0 {
		t.Fatalf("refund issued on success")
	}
}

func TestProcessPermanentFailureRefunds(t *testing.T) {
	gens := newGenStore(queuedGen("g1"))
	queue := &stubQueue{}
	ledger := &stubLedger{}
	router := &stubRouter{fn: func(context.Context, domain.Provider, image.Request) (image.NormalizedOutput, error) {
		return image.NormalizedOutput{}, image.Permanent(domain.ProviderFluxDev, errors.New("content policy violation"))
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	d.Process(context.Background(), jobFor("g1"))

	g := gens.get("g1")
	if g.Status != domain.GenerationFailed {
		t.Fatalf("status = %s, want FAILED", g.Status)
	}
	if g.ErrorMessage == "" {
		t.Fatal("error message not recorded")
	}
	if !g.Refunded {
		t.Fatal("refunded flag not set")
	}
	if got := ledger.credited["u1"]; got != 3 {
		t.Fatalf("refund = %d, want 3", got)
	}
	if len(queue.retried) != 0 {
		t.Fatal("permanent failure went through retry")
	}
	if queue.ackCount() != 1 {
		t.Fatalf("acks = %d, want 1", queue.ackCount())
	}
}

func TestProcessTransientFailureRetries(t *testing.T) {
	gens := newGenStore(queuedGen("g1"))
	queue := &stubQueue{retryOut: true}
	ledger := &stubLedger{}
	router := &stubRouter{fn: func(context.Context, domain.Provider, image.Request) (image.NormalizedOutput, error) {
		return image.NormalizedOutput{}, image.Transient(domain.ProviderFluxDev, errors.New("http 503"))
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	d.Process(context.Background(), jobFor("g1"))

	// A retried generation stays RUNNING and keeps its credits.
	g := gens.get("g1")
	if g.Status != domain.GenerationRunning {
		t.Fatalf("status = %s, want RUNNING", g.Status)
	}
	if len(queue.retried) != 1 {
		t.Fatalf("retries = %d, want 1", len(queue.retried))
	}
	if queue.ackCount() != 0 {
		t.Fatal("retried job was acked")
	}
	if ledger.calls != 0 {
		t.Fatal("refund issued for a retryable failure")
	}
}

func TestProcessTransientFailureExhaustedFails(t *testing.T) {
	gens := newGenStore(queuedGen("g1"))
	queue := &stubQueue{retryOut: false}
	ledger := &stubLedger{}
	router := &stubRouter{fn: func(context.Context, domain.Provider, image.Request) (image.NormalizedOutput, error) {
		return image.NormalizedOutput{}, image.Transient(domain.ProviderFluxDev, errors.New("http 503"))
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	job := jobFor("g1")
	job.Attempts = 2
	d.Process(context.Background(), job)

	g := gens.get("g1")
	if g.Status != domain.GenerationFailed {
		t.Fatalf("status = %s, want FAILED", g.Status)
	}
	if !g.Refunded {
		t.Fatal("refunded flag not set after exhaustion")
	}
	if got := ledger.credited["u1"]; got != 3 {
		t.Fatalf("refund = %d, want 3", got)
	}
	if queue.ackCount() != 0 {
		t.Fatal("dead-lettered job was acked")
	}
}

func TestProcessCancelledOnPickup(t *testing.T) {
	g := queuedGen("g1")
	g.Status = domain.GenerationCancelled
	gens := newGenStore(g)
	queue := &stubQueue{}
	ledger := &stubLedger{}
	called := false
	router := &stubRouter{fn: func(context.Context, domain.Provider, image.Request) (image.NormalizedOutput, error) {
		called = true
		return image.NormalizedOutput{}, nil
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	d.Process(context.Background(), jobFor("g1"))

	if called {
		t.Fatal("provider invoked for a cancelled generation")
	}
	if got := ledger.credited["u1"]; got != 3 {
		t.Fatalf("refund = %d, want 3", got)
	}
	if queue.ackCount() != 1 {
		t.Fatalf("acks = %d, want 1", queue.ackCount())
	}
}

func TestProcessCancelledMidCallDiscardsResult(t *testing.T) {
	gens := newGenStore(queuedGen("g1"))
	queue := &stubQueue{}
	ledger := &stubLedger{}
	router := &stubRouter{fn: func(context.Context, domain.Provider, image.Request) (image.NormalizedOutput, error) {
		// The user cancels while the provider call is in flight.
		gens.setStatus("g1", domain.GenerationCancelled)
		return image.NormalizedOutput{URL: "https://cdn.example/late.png"}, nil
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	d.Process(context.Background(), jobFor("g1"))

	g := gens.get("g1")
	if g.Status != domain.GenerationCancelled {
		t.Fatalf("status = %s, want CANCELLED to win", g.Status)
	}
	if g.OutputURL != "" {
		t.Fatalf("late result was committed: %q", g.OutputURL)
	}
	if got := ledger.credited["u1"]; got != 3 {
		t.Fatalf("refund = %d, want 3", got)
	}
}

func TestProcessRedeliveryRefundsOnlyOnce(t *testing.T) {
	g := queuedGen("g1")
	g.Status = domain.GenerationCancelled
	gens := newGenStore(g)
	queue := &stubQueue{}
	ledger := &stubLedger{}
	router := &stubRouter{fn: func(context.Context, domain.Provider, image.Request) (image.NormalizedOutput, error) {
		return image.NormalizedOutput{}, nil
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	d.Process(context.Background(), jobFor("g1"))
	d.Process(context.Background(), jobFor("g1"))

	if ledger.calls != 1 {
		t.Fatalf("refund calls = %d, want exactly 1", ledger.calls)
	}
	if got := ledger.credited["u1"]; got != 3 {
		t.Fatalf("total refunded = %d, want 3", got)
	}
}

func TestProcessMissingGenerationDropsJob(t *testing.T) {
	gens := newGenStore()
	queue := &stubQueue{}
	ledger := &stubLedger{}
	router := &stubRouter{fn: func(context.Context, domain.Provider, image.Request) (image.NormalizedOutput, error) {
		t.Fatal("provider invoked for a job without a record")
		return image.NormalizedOutput{}, nil
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	d.Process(context.Background(), jobFor("ghost"))

	if queue.ackCount() != 1 {
		t.Fatalf("acks = %d, want 1 (drop the orphaned job)", queue.ackCount())
	}
}

func TestRefundRetriedAfterLedgerFailure(t *testing.T) {
	g := queuedGen("g1")
	g.Status = domain.GenerationCancelled
	gens := newGenStore(g)
	queue := &stubQueue{}
	ledger := &stubLedger{failNext: errors.New("ledger unavailable")}
	router := &stubRouter{fn: func(context.Context, domain.Provider, image.Request) (image.NormalizedOutput, error) {
		return image.NormalizedOutput{}, nil
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	d.Process(context.Background(), jobFor("g1"))

	// The failed refund must not ack the job or flip the flag; the lease
	// lapses and the redelivery carries the refund through.
	if queue.ackCount() != 0 {
		t.Fatalf("acks = %d, want 0 while refund is owed", queue.ackCount())
	}
	if gens.get("g1").Refunded {
		t.Fatal("refunded flag set despite ledger failure")
	}
	if got := ledger.credited["u1"]; got != 0 {
		t.Fatalf("credited = %d, want 0 after failed refund", got)
	}

	d.Process(context.Background(), jobFor("g1"))

	if got := ledger.credited["u1"]; got != 3 {
		t.Fatalf("credited = %d, want 3 after redelivery", got)
	}
	if !gens.get("g1").Refunded {
		t.Fatal("refunded flag not set after redelivery")
	}
	if queue.ackCount() != 1 {
		t.Fatalf("acks = %d, want 1", queue.ackCount())
	}
}

func TestProcessFailedRedeliveryStillSettlesRefund(t *testing.T) {
	// A crash between the FAILED transition and the refund leaves a terminal
	// unrefunded record; the redelivered job settles it.
	g := queuedGen("g1")
	g.Status = domain.GenerationFailed
	gens := newGenStore(g)
	queue := &stubQueue{}
	ledger := &stubLedger{}
	router := &stubRouter{fn: func(context.Context, domain.Provider, image.Request) (image.NormalizedOutput, error) {
		t.Fatal("provider invoked for a terminal generation")
		return image.NormalizedOutput{}, nil
	}}

	d := newTestDispatcher(gens, queue, ledger, router)
	d.Process(context.Background(), jobFor("g1"))

	if got := ledger.credited["u1"]; got != 3 {
		t.Fatalf("credited = %d, want 3", got)
	}
	if queue.ackCount() != 1 {
		t.Fatalf("acks = %d, want 1", queue.ackCount())
	}
}

func TestPromptForPrefersPayloadSnapshot(t *testing.T) {
	job := jobFor("g1")
	gen := queuedGen("g1")
	gen.InputValues = map[string]string{"prompt": "stale"}
	if got := promptFor(job, gen); got != "a lighthouse at dusk" {
		t.Fatalf("promptFor = %q", got)
	}

	job.Payload = nil
	if got := promptFor(job, gen); got != "stale" {
		t.Fatalf("fallback promptFor = %q", got)
	}
}
