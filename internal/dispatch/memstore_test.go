package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/domain"
	"github.com/quantora/steprunner/internal/mq"
	"github.com/quantora/steprunner/internal/repo"
)

// memStore — in-memory Store с той же семантикой кандидатов фаз и
// guard'ов, что у repo.StepRepo.
type memStore struct {
	mu    sync.Mutex
	steps map[uuid.UUID]*domain.Step
	order []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{steps: make(map[uuid.UUID]*domain.Step)}
}

func (m *memStore) put(step *domain.Step) {
	cp := *step
	if _, ok := m.steps[step.ID]; !ok {
		m.order = append(m.order, step.ID)
	}
	m.steps[step.ID] = &cp
}

func (m *memStore) Create(_ context.Context, step *domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(step)
	return nil
}

func (m *memStore) CreateBlock(_ context.Context, parent *domain.Step, steps []*domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, step := range steps {
		m.put(step)
	}
	if parent != nil {
		stored, ok := m.steps[parent.ID]
		if !ok {
			return repo.ErrNotFound
		}
		if stored.ChildBlockID != nil {
			return repo.ErrInvalidState
		}
		blockID := steps[0].BlockID
		stored.ChildBlockID = &blockID
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
	for _, id := range m.order {
		stored := m.steps[id]
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

// parentOfBlock — родитель по block membership, как в join'ах фазовых
// запросов.
func (m *memStore) parentOfBlock(blockID uuid.UUID) *domain.Step {
	for _, id := range m.order {
		stored := m.steps[id]
		if stored.ChildBlockID != nil && *stored.ChildBlockID == blockID {
			return stored
		}
	}
	return nil
}

func (m *memStore) childrenOfBlock(blockID uuid.UUID) []*domain.Step {
	var children []*domain.Step
	for _, id := range m.order {
		stored := m.steps[id]
		if stored.BlockID == blockID {
			children = append(children, stored)
		}
	}
	return children
}

func (m *memStore) collect(lane string, limit int, match func(*domain.Step) bool) []domain.Step {
	var out []domain.Step
	for _, id := range m.order {
		stored := m.steps[id]
		if stored.Lane != lane || !match(stored) {
			continue
		}
		out = append(out, *stored)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func statusIn(s domain.StepStatus, set ...domain.StepStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func (m *memStore) ListChildrenOfSkipped(_ context.Context, lane string, limit int) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(lane, limit, func(s *domain.Step) bool {
		parent := m.parentOfBlock(s.BlockID)
		return parent != nil && parent.Status == domain.StepStatusSkipped &&
			statusIn(s.Status, domain.StepStatusNotRunnable, domain.StepStatusPending,
				domain.StepStatusDispatched, domain.StepStatusRunning)
	}), nil
}

func (m *memStore) ListChildrenOfCancelled(_ context.Context, lane string, limit int) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(lane, limit, func(s *domain.Step) bool {
		parent := m.parentOfBlock(s.BlockID)
		return parent != nil && parent.Status == domain.StepStatusCancelled &&
			statusIn(s.Status, domain.StepStatusNotRunnable, domain.StepStatusPending,
				domain.StepStatusDispatched)
	}), nil
}

func (m *memStore) ListResolvable(_ context.Context, lane string, limit int) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	return m.collect(lane, limit, func(s *domain.Step) bool {
		return s.Status == domain.StepStatusNotRunnable &&
			s.ResolveAction != "" &&
			(s.NotBefore == nil || !s.NotBefore.After(now))
	}), nil
}

func (m *memStore) ListParentsChildrenFailed(_ context.Context, lane string, limit int) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(lane, limit, func(s *domain.Step) bool {
		if s.Status != domain.StepStatusRunning || s.ChildBlockID == nil {
			return false
		}
		children := m.childrenOfBlock(*s.ChildBlockID)
		if len(children) == 0 {
			return false
		}
		anyFailed := false
		for _, child := range children {
			if !child.Status.IsTerminal() {
				return false
			}
			if child.Status.IsFailedClass() {
				anyFailed = true
			}
		}
		return anyFailed
	}), nil
}

func (m *memStore) ListChildrenOfFailed(_ context.Context, lane string, limit int) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(lane, limit, func(s *domain.Step) bool {
		parent := m.parentOfBlock(s.BlockID)
		return parent != nil && parent.Status == domain.StepStatusFailed &&
			statusIn(s.Status, domain.StepStatusNotRunnable, domain.StepStatusPending,
				domain.StepStatusDispatched, domain.StepStatusRunning)
	}), nil
}

func (m *memStore) ListParentsAllChildrenConcluded(_ context.Context, lane string, limit int) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(lane, limit, func(s *domain.Step) bool {
		if s.Status != domain.StepStatusRunning || s.ChildBlockID == nil {
			return false
		}
		children := m.childrenOfBlock(*s.ChildBlockID)
		if len(children) == 0 {
			return false
		}
		for _, child := range children {
			if !child.Status.IsConcluded() {
				return false
			}
		}
		return true
	}), nil
}

func (m *memStore) ListRetryExhausted(_ context.Context, lane string, limit int) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(lane, limit, func(s *domain.Step) bool {
		return s.Status == domain.StepStatusPending &&
			s.RetryCount > 0 &&
			s.RetryCount >= s.MaxRetries
	}), nil
}

func (m *memStore) ListDispatchable(_ context.Context, lane string, limit int) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := m.collect(lane, 0, func(s *domain.Step) bool {
		if s.Status != domain.StepStatusPending {
			return false
		}
		if s.NotBefore != nil && s.NotBefore.After(now) {
			return false
		}
		for _, sibling := range m.childrenOfBlock(s.BlockID) {
			if sibling.Index == s.Index-1 && !sibling.Status.IsConcluded() {
				return false
			}
		}
		if s.ParentID != nil {
			parent, ok := m.steps[*s.ParentID]
			if !ok || parent.Status != domain.StepStatusRunning {
				return false
			}
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) status(id uuid.UUID) domain.StepStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[id].Status
}

// memLanes — in-memory LaneRegistry с round-robin по last_selected_at
// и замком допуска. Acquire/Release штампуют lockedAt, как lane_repo,
// а Release уважает отмену контекста, как pgx.
type memLanes struct {
	mu       sync.Mutex
	names    []string
	last     map[string]time.Time
	locks    map[string]string
	lockedAt map[string]time.Time
	clock    time.Time
}

func newMemLanes() *memLanes {
	return &memLanes{
		last:     make(map[string]time.Time),
		locks:    make(map[string]string),
		lockedAt: make(map[string]time.Time),
		clock:    time.Unix(0, 0),
	}
}

func (m *memLanes) Ensure(_ context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if _, ok := m.last[name]; !ok {
			m.names = append(m.names, name)
			m.last[name] = time.Time{}
		}
	}
	return nil
}

func (m *memLanes) Select(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.names) == 0 {
		return "", repo.ErrNotFound
	}
	best := ""
	for _, name := range m.names {
		if best == "" || m.last[name].Before(m.last[best]) {
			best = name
		}
	}
	m.clock = m.clock.Add(time.Microsecond)
	m.last[best] = m.clock
	return best, nil
}

func (m *memLanes) Acquire(_ context.Context, lane, tickID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.locks[lane]; ok && holder != "" {
		return repo.ErrLaneBusy
	}
	m.locks[lane] = tickID
	m.lockedAt[lane] = time.Now()
	return nil
}

func (m *memLanes) Release(ctx context.Context, lane, tickID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[lane] == tickID {
		m.locks[lane] = ""
		delete(m.lockedAt, lane)
	}
	return nil
}

func (m *memLanes) ForceRelease(_ context.Context, lane string, heldBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[lane] == "" {
		return false, nil
	}
	at, ok := m.lockedAt[lane]
	if !ok || !at.Before(heldBefore) {
		return false, nil
	}
	m.locks[lane] = ""
	delete(m.lockedAt, lane)
	return true, nil
}

// holder возвращает tickID, держащий замок полосы ("" — свободна).
func (m *memLanes) holder(lane string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[lane]
}

// memControl — in-memory ControlStore.
type memControl struct {
	mu      sync.Mutex
	enabled bool
}

func (m *memControl) Ensure(_ context.Context) error { return nil }

func (m *memControl) DispatchEnabled(_ context.Context) (bool, error) {
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

// memPublisher копит опубликованные события диспетчеризации.
type memPublisher struct {
	mu   sync.Mutex
	sent []mq.StepDispatchedPayload
}

func (m *memPublisher) PublishStepDispatched(_ context.Context, payload mq.StepDispatchedPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, payload)
	return nil
}
