package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/domain"
	"github.com/quantora/steprunner/internal/job"
	"github.com/quantora/steprunner/internal/mq"
	"github.com/quantora/steprunner/internal/repo"
)

// memStore — in-memory Store с теми же guard'ами, что у repo.StepRepo.
type memStore struct {
	mu    sync.Mutex
	steps map[uuid.UUID]*domain.Step
}

func newMemStore() *memStore {
	return &memStore{steps: make(map[uuid.UUID]*domain.Step)}
}

func (m *memStore) add(step *domain.Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.ID] = &cp
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.steps[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (m *memStore) UpdateStatus(_ context.Context, step *domain.Step, from domain.StepStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.steps[step.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if stored.Status != from {
		return repo.ErrStaleStatus
	}
	cp := *step
	m.steps[step.ID] = &cp
	return nil
}

func (m *memStore) ListDispatched(_ context.Context, limit int) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Step
	for _, stored := range m.steps {
		if stored.Status == domain.StepStatusDispatched {
			out = append(out, *stored)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) get(t *testing.T, id uuid.UUID) *domain.Step {
	t.Helper()
	step, err := m.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return step
}

type memPublisher struct {
	mu   sync.Mutex
	sent []mq.StepCompletedPayload
}

func (m *memPublisher) PublishStepCompleted(_ context.Context, payload mq.StepCompletedPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, payload)
	return nil
}

// funcAction — job с телом из теста.
type funcAction struct {
	key string
	fn  func(ctx context.Context, req *job.Request) (*job.Result, error)
}

func (a *funcAction) Key() string { return a.key }

func (a *funcAction) Execute(ctx context.Context, req *job.Request) (*job.Result, error) {
	return a.fn(ctx, req)
}

func newTestWorker(store *memStore, pub *memPublisher, actions ...job.Action) *Worker {
	registry := job.NewRegistry()
	for _, action := range actions {
		registry.Register(action)
	}
	cfg := Config{
		Store:    store,
		Registry: registry,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	// Не кладём типизированный nil в интерфейс: Worker проверяет publisher == nil.
	if pub != nil {
		cfg.Publisher = pub
	}
	return New(cfg)
}

func dispatchedStep(action string) *domain.Step {
	step := domain.NewStep(action, nil)
	step.Lane = "lane-01"
	step.Status = domain.StepStatusDispatched
	return step
}

func TestProcessStepCompletes(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	w := newTestWorker(store, pub, &funcAction{key: "ok", fn: func(_ context.Context, _ *job.Request) (*job.Result, error) {
		return job.Completed(map[string]any{"answer": 42}), nil
	}})

	step := dispatchedStep("ok")
	store.add(step)

	if err := w.processStep(context.Background(), step.ID); err != nil {
		t.Fatalf("processStep: %v", err)
	}

	got := store.get(t, step.ID)
	if got.Status != domain.StepStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if got.Result["answer"] != 42 {
		t.Errorf("result = %v", got.Result)
	}
	if len(pub.sent) != 1 || pub.sent[0].Status != "COMPLETED" {
		t.Errorf("published = %+v, want one COMPLETED event", pub.sent)
	}
}

func TestProcessStepParentWithChildrenStaysRunning(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, nil, &funcAction{key: "spawn", fn: func(_ context.Context, _ *job.Request) (*job.Result, error) {
		return job.Completed(map[string]any{"spawned": true}), nil
	}})

	step := dispatchedStep("spawn")
	childBlock := uuid.New()
	step.ChildBlockID = &childBlock
	store.add(step)

	if err := w.processStep(context.Background(), step.ID); err != nil {
		t.Fatalf("processStep: %v", err)
	}

	// Родитель ждёт roll-up дочернего блока; результат job сохранён.
	got := store.get(t, step.ID)
	if got.Status != domain.StepStatusRunning {
		t.Errorf("status = %s, want RUNNING", got.Status)
	}
	if got.Result["spawned"] != true {
		t.Errorf("result = %v", got.Result)
	}
}

func TestProcessStepRetryOutcome(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, nil, &funcAction{key: "flaky", fn: func(_ context.Context, _ *job.Request) (*job.Result, error) {
		return job.Retry(0), nil
	}})

	step := dispatchedStep("flaky")
	step.MaxRetries = 3
	store.add(step)

	before := time.Now()
	if err := w.processStep(context.Background(), step.ID); err != nil {
		t.Fatalf("processStep: %v", err)
	}

	got := store.get(t, step.ID)
	if got.Status != domain.StepStatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.NotBefore == nil || got.NotBefore.Before(before) {
		t.Errorf("not_before = %v, want delayed", got.NotBefore)
	}
	if got.DispatchedAt != nil || got.StartedAt != nil {
		t.Error("dispatch timestamps not reset on retry")
	}
}

func TestProcessStepExplicitRetryDelay(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, nil, &funcAction{key: "throttled", fn: func(_ context.Context, _ *job.Request) (*job.Result, error) {
		return job.Retry(time.Hour), nil
	}})

	step := dispatchedStep("throttled")
	step.MaxRetries = 1
	store.add(step)

	if err := w.processStep(context.Background(), step.ID); err != nil {
		t.Fatalf("processStep: %v", err)
	}

	got := store.get(t, step.ID)
	if got.NotBefore == nil || time.Until(*got.NotBefore) < 50*time.Minute {
		t.Errorf("not_before = %v, want ~1h out", got.NotBefore)
	}
}

func TestProcessStepSkipOutcome(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, nil, &funcAction{key: "noop", fn: func(_ context.Context, _ *job.Request) (*job.Result, error) {
		return job.Skip("nothing to do"), nil
	}})

	step := dispatchedStep("noop")
	store.add(step)

	if err := w.processStep(context.Background(), step.ID); err != nil {
		t.Fatalf("processStep: %v", err)
	}
	if got := store.get(t, step.ID); got.Status != domain.StepStatusSkipped {
		t.Errorf("status = %s, want SKIPPED", got.Status)
	}
}

func TestProcessStepStopOutcome(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, nil, &funcAction{key: "halt", fn: func(_ context.Context, _ *job.Request) (*job.Result, error) {
		return job.Stop("order book diverged"), nil
	}})

	step := dispatchedStep("halt")
	step.MaxRetries = 5
	store.add(step)

	if err := w.processStep(context.Background(), step.ID); err != nil {
		t.Fatalf("processStep: %v", err)
	}

	// STOPPED закрывает step без retry независимо от max_retries.
	got := store.get(t, step.ID)
	if got.Status != domain.StepStatusStopped {
		t.Errorf("status = %s, want STOPPED", got.Status)
	}
	if got.ErrorMessage != "order book diverged" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
}

func TestProcessStepExecErrorFails(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	w := newTestWorker(store, pub, &funcAction{key: "broken", fn: func(_ context.Context, _ *job.Request) (*job.Result, error) {
		return nil, errors.New("connection refused")
	}})

	step := dispatchedStep("broken")
	store.add(step)

	if err := w.processStep(context.Background(), step.ID); err != nil {
		t.Fatalf("processStep: %v", err)
	}

	got := store.get(t, step.ID)
	if got.Status != domain.StepStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "connection refused") {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
	if len(pub.sent) != 1 || pub.sent[0].Error == "" {
		t.Errorf("published = %+v, want FAILED event with error", pub.sent)
	}
}

func TestProcessStepPanicBecomesFailedWithTrace(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, nil, &funcAction{key: "boom", fn: func(_ context.Context, _ *job.Request) (*job.Result, error) {
		panic("nil order book")
	}})

	step := dispatchedStep("boom")
	store.add(step)

	if err := w.processStep(context.Background(), step.ID); err != nil {
		t.Fatalf("processStep: %v", err)
	}

	got := store.get(t, step.ID)
	if got.Status != domain.StepStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "nil order book") {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
	if !strings.Contains(got.ErrorTrace, "goroutine") {
		t.Error("expected stack trace on panicked step")
	}
}

func TestProcessStepUnknownActionFails(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, nil)

	step := dispatchedStep("ghost")
	store.add(step)

	if err := w.processStep(context.Background(), step.ID); err != nil {
		t.Fatalf("processStep: %v", err)
	}
	if got := store.get(t, step.ID); got.Status != domain.StepStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
}

func TestProcessStepRejectsNonDispatched(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, nil)

	step := domain.NewStep("ok", nil)
	step.Status = domain.StepStatusPending
	store.add(step)

	err := w.processStep(context.Background(), step.ID)
	if !errors.Is(err, ErrStepNotDispatched) {
		t.Fatalf("err = %v, want ErrStepNotDispatched", err)
	}
}

// staleReadStore отдаёт устаревшую копию step на чтение: имитация
// гонки, когда другой воркер захватил step между чтением и захватом.
type staleReadStore struct {
	*memStore
	stale *domain.Step
}

func (s *staleReadStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Step, error) {
	if s.stale != nil && s.stale.ID == id {
		cp := *s.stale
		return &cp, nil
	}
	return s.memStore.GetByID(context.Background(), id)
}

func TestProcessStepClaimRace(t *testing.T) {
	inner := newMemStore()

	step := dispatchedStep("ok")
	stale := *step

	// Другой воркер успел первым: в БД step уже RUNNING, но наше
	// чтение видит DISPATCHED.
	if err := step.MarkRunning(); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	inner.add(step)

	store := &staleReadStore{memStore: inner, stale: &stale}
	w := New(Config{
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	err := w.processStep(context.Background(), step.ID)
	if !errors.Is(err, ErrStepClaimed) {
		t.Fatalf("err = %v, want ErrStepClaimed", err)
	}
	if got := inner.get(t, step.ID); got.Status != domain.StepStatusRunning {
		t.Errorf("status = %s, want RUNNING untouched", got.Status)
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{20, maxRetryDelay},
	}
	for _, tt := range tests {
		if got := retryBackoff(tt.retryCount); got != tt.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestPollProcessesDispatchedSteps(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, nil, &funcAction{key: "ok", fn: func(_ context.Context, _ *job.Request) (*job.Result, error) {
		return job.Completed(nil), nil
	}})

	first := dispatchedStep("ok")
	second := dispatchedStep("ok")
	store.add(first)
	store.add(second)

	w.poll(context.Background())

	for _, step := range []*domain.Step{first, second} {
		if got := store.get(t, step.ID); got.Status != domain.StepStatusCompleted {
			t.Errorf("step %s: status = %s, want COMPLETED", step.ID, got.Status)
		}
	}
}
