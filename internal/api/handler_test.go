package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/dispatch"
	"github.com/quantora/steprunner/internal/domain"
	"github.com/quantora/steprunner/internal/job"
	"github.com/quantora/steprunner/internal/repo"
)

// memStore — in-memory dispatch.Store для handler-тестов.
type memStore struct {
	mu    sync.Mutex
	steps map[uuid.UUID]*domain.Step
}

func newMemStore() *memStore {
	return &memStore{steps: make(map[uuid.UUID]*domain.Step)}
}

func (m *memStore) Create(_ context.Context, step *domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.ID] = &cp
	return nil
}

func (m *memStore) CreateBlock(_ context.Context, parent *domain.Step, steps []*domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, step := range steps {
		cp := *step
		m.steps[step.ID] = &cp
	}
	if parent != nil {
		blockID := steps[0].BlockID
		if stored, ok := m.steps[parent.ID]; ok {
			stored.ChildBlockID = &blockID
		}
		parent.ChildBlockID = &blockID
	}
	return nil
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

func (m *memStore) FindParentOfBlock(_ context.Context, blockID uuid.UUID) (*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.steps {
		if stored.ChildBlockID != nil && *stored.ChildBlockID == blockID {
			cp := *stored
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
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

func (m *memStore) CountByStatus(_ context.Context, status domain.StepStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, stored := range m.steps {
		if stored.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListChildrenOfSkipped(context.Context, string, int) ([]domain.Step, error) {
	return nil, nil
}
func (m *memStore) ListChildrenOfCancelled(context.Context, string, int) ([]domain.Step, error) {
	return nil, nil
}
func (m *memStore) ListResolvable(context.Context, string, int) ([]domain.Step, error) {
	return nil, nil
}
func (m *memStore) ListParentsChildrenFailed(context.Context, string, int) ([]domain.Step, error) {
	return nil, nil
}
func (m *memStore) ListChildrenOfFailed(context.Context, string, int) ([]domain.Step, error) {
	return nil, nil
}
func (m *memStore) ListParentsAllChildrenConcluded(context.Context, string, int) ([]domain.Step, error) {
	return nil, nil
}
func (m *memStore) ListRetryExhausted(context.Context, string, int) ([]domain.Step, error) {
	return nil, nil
}
func (m *memStore) ListDispatchable(context.Context, string, int) ([]domain.Step, error) {
	return nil, nil
}

type memLanes struct {
	mu    sync.Mutex
	names []string
	next  int
}

func (m *memLanes) Ensure(_ context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = names
	return nil
}

func (m *memLanes) Select(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := m.names[m.next%len(m.names)]
	m.next++
	return name, nil
}

func (m *memLanes) Acquire(context.Context, string, string) error { return nil }
func (m *memLanes) Release(context.Context, string, string) error { return nil }

func (m *memLanes) ForceRelease(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

type memControl struct {
	mu      sync.Mutex
	enabled bool
}

func (m *memControl) Ensure(context.Context) error { return nil }

func (m *memControl) DispatchEnabled(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled, nil
}

func (m *memControl) SetDispatchEnabled(_ context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	return nil
}

type memSchedules struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*domain.Schedule
}

func newMemSchedules() *memSchedules {
	return &memSchedules{schedules: make(map[uuid.UUID]*domain.Schedule)}
}

func (m *memSchedules) Create(_ context.Context, schedule *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *schedule
	m.schedules[schedule.ID] = &cp
	return nil
}

func (m *memSchedules) GetByID(_ context.Context, id uuid.UUID) (*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.schedules[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (m *memSchedules) List(_ context.Context, limit int) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Schedule
	for _, s := range m.schedules {
		out = append(out, *s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memSchedules) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.schedules[id]
	if !ok {
		return repo.ErrNotFound
	}
	stored.Enabled = enabled
	return nil
}

type testAPI struct {
	store   *memStore
	control *memControl
	mux     *http.ServeMux
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := newMemStore()
	lanes := &memLanes{names: []string{"lane-01", "lane-02"}}
	control := &memControl{enabled: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := NewHandler(Config{
		Steps:     store,
		Creator:   dispatch.NewCreator(store, dispatch.NewSelector(store, lanes), job.DefaultRegistry()),
		Breaker:   dispatch.NewBreaker(control, store, logger),
		Schedules: newMemSchedules(),
		Logger:    logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &testAPI{store: store, control: control, mux: mux}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decodeStep(t *testing.T, rec *httptest.ResponseRecorder) StepResponse {
	t.Helper()
	var resp struct {
		Data StepResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Data
}

func TestCreateStepEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/steps", CreateStepRequest{
		Action:     "probe",
		MaxRetries: 2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	step := decodeStep(t, rec)
	if step.Status != "PENDING" {
		t.Errorf("status = %s, want PENDING", step.Status)
	}
	if step.Lane == "" {
		t.Error("lane not assigned")
	}
	if step.MaxRetries != 2 {
		t.Errorf("max_retries = %d, want 2", step.MaxRetries)
	}
}

func TestCreateStepUnknownActionRejected(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/steps", CreateStepRequest{Action: "no.such"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetStepNotFound(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/steps/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelStepEndpoint(t *testing.T) {
	a := newTestAPI(t)

	created := decodeStep(t, a.do(t, http.MethodPost, "/api/v1/steps", CreateStepRequest{Action: "probe"}))

	rec := a.do(t, http.MethodPost, "/api/v1/steps/"+created.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := decodeStep(t, rec); got.Status != "CANCELLED" {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
}

func TestCancelRunningStepRejected(t *testing.T) {
	a := newTestAPI(t)

	step := domain.NewStep("probe", nil)
	step.Lane = "lane-01"
	step.Status = domain.StepStatusRunning
	a.store.Create(context.Background(), step)

	rec := a.do(t, http.MethodPost, "/api/v1/steps/"+step.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestCreateChildBlockEndpoint(t *testing.T) {
	a := newTestAPI(t)

	parent := domain.NewStep("probe", nil)
	parent.Lane = "lane-02"
	parent.Status = domain.StepStatusRunning
	a.store.Create(context.Background(), parent)

	rec := a.do(t, http.MethodPost, "/api/v1/steps/"+parent.ID.String()+"/children", CreateChildBlockRequest{
		Steps: []CreateStepRequest{{Action: "probe"}, {Action: "delay"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		Data []StepResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("created %d children, want 2", len(resp.Data))
	}
	for i, child := range resp.Data {
		if child.Lane != "lane-02" {
			t.Errorf("child %d lane = %q, want inherited lane-02", i, child.Lane)
		}
	}
}

func TestCreateChildBlockTerminalParentRejected(t *testing.T) {
	a := newTestAPI(t)

	parent := domain.NewStep("probe", nil)
	parent.Lane = "lane-01"
	parent.Status = domain.StepStatusCompleted
	a.store.Create(context.Background(), parent)

	rec := a.do(t, http.MethodPost, "/api/v1/steps/"+parent.ID.String()+"/children", CreateChildBlockRequest{
		Steps: []CreateStepRequest{{Action: "probe"}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestDispatchStatusEndpoint(t *testing.T) {
	a := newTestAPI(t)

	running := domain.NewStep("probe", nil)
	running.Status = domain.StepStatusRunning
	a.store.Create(context.Background(), running)

	rec := a.do(t, http.MethodGet, "/api/v1/dispatch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Data DispatchStatusResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Data.Enabled {
		t.Error("enabled = false, want true")
	}
	if resp.Data.CanSafelyRestart {
		t.Error("can_safely_restart = true with running step")
	}
	if resp.Data.RunningSteps != 1 {
		t.Errorf("running_steps = %d, want 1", resp.Data.RunningSteps)
	}
}

func TestDispatchEnableDisableEndpoints(t *testing.T) {
	a := newTestAPI(t)

	if rec := a.do(t, http.MethodPost, "/api/v1/dispatch/disable", nil); rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if enabled, _ := a.control.DispatchEnabled(context.Background()); enabled {
		t.Error("flag still enabled after disable")
	}

	if rec := a.do(t, http.MethodPost, "/api/v1/dispatch/enable", nil); rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}
	if enabled, _ := a.control.DispatchEnabled(context.Background()); !enabled {
		t.Error("flag still disabled after enable")
	}
}

func TestCreateScheduleEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/schedules", CreateScheduleRequest{
		Name:        "balance sync",
		Action:      "probe",
		IntervalSec: 300,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		Data domain.Schedule `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.NextDueAt == nil || !resp.Data.NextDueAt.After(time.Now()) {
		t.Errorf("next_due_at = %v, want in the future", resp.Data.NextDueAt)
	}
	if !resp.Data.Enabled {
		t.Error("enabled = false, want default true")
	}
}

func TestCreateScheduleRequiresCadence(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/schedules", CreateScheduleRequest{Action: "probe"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateScheduleInvalidCronRejected(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/schedules", CreateScheduleRequest{
		Action:   "probe",
		CronExpr: "not a cron",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
