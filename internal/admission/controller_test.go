package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// memBackend is an in-memory stand-in for the ledger, preset store,
// generation store and queue, shared so admission sees one consistent world.
type memBackend struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	presets map[string]*domain.Preset
	gens    map[string]*domain.Generation
	jobs    map[string][]byte

	enqueueErr error
	createErr  error
}

func newMemBackend() *memBackend {
	return &memBackend{
		users:   map[string]*domain.User{},
		presets: map[string]*domain.Preset{},
		gens:    map[string]*domain.Generation{},
		jobs:    map[string][]byte{},
	}
}

func (m *memBackend) TryDebit(_ context.Context, userID string, amount int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, 0, domain.ErrNotFound
	}
	if u.Credits < amount {
		return false, u.Credits, nil
	}
	u.Credits -= amount
	u.TotalCreditsUsed += amount
	return true, u.Credits, nil
}

func (m *memBackend) Credit(_ context.Context, userID string, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	u.Credits += amount
	return u.Credits, nil
}

func (m *memBackend) InFlightCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.gens {
		if g.UserID == userID && g.Status.InFlight() {
			n++
		}
	}
	return n, nil
}

func (m *memBackend) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memBackend) GetActive(_ context.Context, presetID string) (*domain.Preset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[presetID]
	if !ok || !p.IsActive {
		return nil, domain.ErrPresetNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memBackend) ListActive(_ context.Context) ([]domain.Preset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Preset
	for _, p := range m.presets {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memBackend) Create(_ context.Context, g *domain.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *g
	m.gens[g.ID] = &cp
	return nil
}

func (m *memBackend) GetByID(_ context.Context, id string) (*domain.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memBackend) GetForUser(ctx context.Context, id, userID string) (*domain.Generation, error) {
	g, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !g.OwnedBy(userID) {
		return nil, domain.ErrNotFound
	}
	return g, nil
}

func (m *memBackend) ListByUser(_ context.Context, userID string, limit int) ([]domain.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Generation
	for _, g := range m.gens {
		if g.UserID == userID {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (m *memBackend) transition(id string, from []domain.GenerationStatus, to domain.GenerationStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return false
	}
	for _, s := range from {
		if g.Status == s {
			g.Status = to
			return true
		}
	}
	return false
}

func (m *memBackend) MarkRunning(_ context.Context, id string) (bool, error) {
	return m.transition(id, []domain.GenerationStatus{domain.GenerationQueued}, domain.GenerationRunning), nil
}

func (m *memBackend) MarkCompleted(_ context.Context, id, outputURL string) (bool, error) {
	ok := m.transition(id, []domain.GenerationStatus{domain.GenerationRunning}, domain.GenerationCompleted)
	if ok {
		m.mu.Lock()
		m.gens[id].OutputURL = outputURL
		m.mu.Unlock()
	}
	return ok, nil
}

func (m *memBackend) MarkFailed(_ context.Context, id, errorMessage string) (bool, error) {
	ok := m.transition(id, []domain.GenerationStatus{domain.GenerationQueued, domain.GenerationRunning}, domain.GenerationFailed)
	if ok {
		m.mu.Lock()
		m.gens[id].ErrorMessage = errorMessage
		m.mu.Unlock()
	}
	return ok, nil
}

func (m *memBackend) MarkCancelled(_ context.Context, id string) (bool, error) {
	return m.transition(id, []domain.GenerationStatus{domain.GenerationQueued, domain.GenerationRunning}, domain.GenerationCancelled), nil
}

func (m *memBackend) RefundOnce(_ context.Context, generationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[generationID]
	if !ok || g.Refunded || g.Status == domain.GenerationCompleted || !g.Status.IsTerminal() {
		return false, nil
	}
	u, ok := m.users[g.UserID]
	if !ok {
		return false, domain.ErrNotFound
	}
	g.Refunded = true
	u.Credits += g.CreditsUsed
	return true, nil
}

func (m *memBackend) Enqueue(_ context.Context, jobID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	if _, exists := m.jobs[jobID]; exists {
		return nil
	}
	m.jobs[jobID] = payload
	return nil
}

func (m *memBackend) Claim(context.Context) (*domain.Job, error) { return nil, domain.ErrNoJob }
func (m *memBackend) Ack(context.Context, string) error          { return nil }
func (m *memBackend) Retry(context.Context, *domain.Job) (bool, error) {
	return false, nil
}
func (m *memBackend) ReapExpired(context.Context) (int, error) { return 0, nil }

func newTestController(m *memBackend) *Controller {
	return NewController(m, m, m, m, domain.DefaultTierCaps(), zerolog.Nop())
}

func seedUser(m *memBackend, id string, tier domain.Tier, credits int) {
	m.users[id] = &domain.User{ID: id, Tier: tier, Credits: credits}
}

func seedPreset(m *memBackend, id string, credits int) {
	m.presets[id] = &domain.Preset{
		ID:             id,
		Name:           "Test Preset",
		Provider:       domain.ProviderFluxDev,
		PromptTemplate: "portrait of {subject}, studio lighting",
		Credits:        credits,
		IsActive:       true,
	}
}

func TestAdmitQueuesGenerationAndDebits(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierPro, 10)
	seedPreset(m, "p1", 3)

	c := newTestController(m)
	gen, err := c.Admit(context.Background(), Request{
		UserID:      "u1",
		PresetID:    "p1",
		InputValues: map[string]string{"subject": "a corgi"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if gen.Status != domain.GenerationQueued {
		t.Fatalf("status = %s, want QUEUED", gen.Status)
	}
	if gen.CreditsUsed != 3 {
		t.Fatalf("credits used = %d, want 3", gen.CreditsUsed)
	}
	if got := m.users["u1"].Credits; got != 7 {
		t.Fatalf("balance = %d, want 7", got)
	}

	payload, ok := m.jobs[gen.ID]
	if !ok {
		t.Fatal("no job enqueued under the generation id")
	}
	var decoded jobPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if want := "portrait of a corgi, studio lighting"; decoded.Prompt != want {
		t.Fatalf("prompt = %q, want %q", decoded.Prompt, want)
	}
	if decoded.GenerationID != gen.ID {
		t.Fatalf("payload generation id = %q, want %q", decoded.GenerationID, gen.ID)
	}
}

func TestAdmitDefaultsOutputSize(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierPro, 10)
	seedPreset(m, "p1", 1)

	c := newTestController(m)
	gen, err := c.Admit(context.Background(), Request{UserID: "u1", PresetID: "p1"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if gen.OutputSize != domain.OutputSizeSquare {
		t.Fatalf("output size = %s, want SQUARE", gen.OutputSize)
	}
}

func TestAdmitRejectsUnknownPreset(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierPro, 10)

	c := newTestController(m)
	_, err := c.Admit(context.Background(), Request{UserID: "u1", PresetID: "missing"})
	if !errors.Is(err, domain.ErrPresetNotFound) {
		t.Fatalf("err = %v, want ErrPresetNotFound", err)
	}
	if got := m.users["u1"].Credits; got != 10 {
		t.Fatalf("balance changed to %d on rejected admit", got)
	}
}

func TestAdmitRejectsInactivePreset(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierPro, 10)
	seedPreset(m, "p1", 1)
	m.presets["p1"].IsActive = false

	c := newTestController(m)
	_, err := c.Admit(context.Background(), Request{UserID: "u1", PresetID: "p1"})
	if !errors.Is(err, domain.ErrPresetNotFound) {
		t.Fatalf("err = %v, want ErrPresetNotFound", err)
	}
}

func TestAdmitInsufficientCredits(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierPro, 2)
	seedPreset(m, "p1", 3)

	c := newTestController(m)
	_, err := c.Admit(context.Background(), Request{UserID: "u1", PresetID: "p1"})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if got := m.users["u1"].Credits; got != 2 {
		t.Fatalf("balance = %d, want untouched 2", got)
	}
	if len(m.gens) != 0 || len(m.jobs) != 0 {
		t.Fatalf("rejected admit left records behind: %d generations, %d jobs", len(m.gens), len(m.jobs))
	}
}

func TestAdmitEnforcesTierCap(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierFree, 100)
	seedPreset(m, "p1", 1)
	m.gens["existing"] = &domain.Generation{
		ID:     "existing",
		UserID: "u1",
		Status: domain.GenerationRunning,
	}

	c := newTestController(m)
	_, err := c.Admit(context.Background(), Request{UserID: "u1", PresetID: "p1"})
	if !errors.Is(err, domain.ErrTooManyInFlight) {
		t.Fatalf("err = %v, want ErrTooManyInFlight", err)
	}
	if got := m.users["u1"].Credits; got != 100 {
		t.Fatalf("cap rejection debited credits, balance = %d", got)
	}
}

func TestAdmitTerminalGenerationsDoNotCount(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierFree, 100)
	seedPreset(m, "p1", 1)
	for i, s := range []domain.GenerationStatus{domain.GenerationCompleted, domain.GenerationFailed, domain.GenerationCancelled} {
		id := fmt.Sprintf("done-%d", i)
		m.gens[id] = &domain.Generation{ID: id, UserID: "u1", Status: s}
	}

	c := newTestController(m)
	if _, err := c.Admit(context.Background(), Request{UserID: "u1", PresetID: "p1"}); err != nil {
		t.Fatalf("Admit with only terminal history: %v", err)
	}
}

func TestAdmitRefundsWhenEnqueueFails(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierPro, 10)
	seedPreset(m, "p1", 4)
	m.enqueueErr = errors.New("queue down")

	c := newTestController(m)
	_, err := c.Admit(context.Background(), Request{UserID: "u1", PresetID: "p1"})
	if err == nil {
		t.Fatal("Admit succeeded despite enqueue failure")
	}
	if got := m.users["u1"].Credits; got != 10 {
		t.Fatalf("balance = %d, want 10 after compensating refund", got)
	}
	for _, g := range m.gens {
		if g.Status != domain.GenerationFailed {
			t.Fatalf("orphaned generation status = %s, want FAILED", g.Status)
		}
		if !g.Refunded {
			t.Fatal("orphaned generation not flagged refunded")
		}
	}
}

func TestAdmitRefundsWhenCreateFails(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierPro, 10)
	seedPreset(m, "p1", 4)
	m.createErr = errors.New("db down")

	c := newTestController(m)
	if _, err := c.Admit(context.Background(), Request{UserID: "u1", PresetID: "p1"}); err == nil {
		t.Fatal("Admit succeeded despite create failure")
	}
	if got := m.users["u1"].Credits; got != 10 {
		t.Fatalf("balance = %d, want 10 after compensating refund", got)
	}
}

func TestAdmitConcurrentSameUser(t *testing.T) {
	m := newMemBackend()
	seedUser(m, "u1", domain.TierPro, 6)
	seedPreset(m, "p1", 3)

	c := newTestController(m)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Admit(context.Background(), Request{UserID: "u1", PresetID: "p1"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		if !errors.Is(err, domain.ErrInsufficientCredits) && !errors.Is(err, domain.ErrTooManyInFlight) {
			t.Fatalf("unexpected admit error: %v", err)
		}
	}

	// 6 credits at 3 apiece and a PRO cap of 2 both land on the same bound.
	if admitted != 2 {
		t.Fatalf("admitted = %d, want 2", admitted)
	}
	if got := m.users["u1"].Credits; got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
	if len(m.jobs) != 2 {
		t.Fatalf("jobs enqueued = %d, want 2", len(m.jobs))
	}
}

func TestRenderPrompt(t *testing.T) {
	got := renderPrompt("a {style} photo of {subject}", map[string]string{
		"style":   "vintage",
		"subject": "the harbor",
	})
	if want := "a vintage photo of the harbor"; got != want {
		t.Fatalf("renderPrompt = %q, want %q", got, want)
	}

	// An empty template falls back to a raw prompt input.
	if got := renderPrompt("  ", map[string]string{"prompt": "just this"}); got != "just this" {
		t.Fatalf("fallback = %q, want %q", got, "just this")
	}
}
