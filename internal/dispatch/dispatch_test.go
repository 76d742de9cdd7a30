package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/domain"
	"github.com/quantora/steprunner/internal/job"
)

func newTestCreator(store *memStore, lanes *memLanes) *Creator {
	return NewCreator(store, NewSelector(store, lanes), job.DefaultRegistry())
}

func TestCreateRootAssignsLaneRoundRobin(t *testing.T) {
	store := newMemStore()
	lanes := newMemLanes()
	names := []string{"lane-01", "lane-02", "lane-03"}
	if err := lanes.Ensure(context.Background(), names); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	creator := newTestCreator(store, lanes)

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		step, err := creator.CreateRoot(context.Background(), StepSpec{Action: "probe"})
		if err != nil {
			t.Fatalf("CreateRoot: %v", err)
		}
		counts[step.Lane]++
	}

	// Round-robin раздаёт корни равномерно.
	for _, name := range names {
		if counts[name] != 3 {
			t.Errorf("lane %s got %d roots, want 3 (distribution %v)", name, counts[name], counts)
		}
	}
}

func TestCreateRootRejectsUnknownAction(t *testing.T) {
	store := newMemStore()
	lanes := newMemLanes()
	lanes.Ensure(context.Background(), []string{"lane-01"})
	creator := newTestCreator(store, lanes)

	_, err := creator.CreateRoot(context.Background(), StepSpec{Action: "no.such.action"})
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
}

func TestCreateRootWithResolveActionIsParked(t *testing.T) {
	store := newMemStore()
	lanes := newMemLanes()
	lanes.Ensure(context.Background(), []string{"lane-01"})
	creator := newTestCreator(store, lanes)

	step, err := creator.CreateRoot(context.Background(), StepSpec{
		Action:        "probe",
		ResolveAction: "throttle.wait",
	})
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	if step.Status != domain.StepStatusNotRunnable {
		t.Errorf("status = %s, want NOT_RUNNABLE", step.Status)
	}
	if step.ResolveAction != "throttle.wait" {
		t.Errorf("resolve action = %q", step.ResolveAction)
	}
}

func TestCreateChildBlockInheritsLane(t *testing.T) {
	store := newMemStore()
	lanes := newMemLanes()
	lanes.Ensure(context.Background(), []string{"lane-01", "lane-02"})
	creator := newTestCreator(store, lanes)

	parent, err := creator.CreateRoot(context.Background(), StepSpec{Action: "probe"})
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	parent.Status = domain.StepStatusRunning
	store.put(parent)

	children, err := creator.CreateChildBlock(context.Background(), parent, []StepSpec{
		{Action: "probe"},
		{Action: "delay"},
	})
	if err != nil {
		t.Fatalf("CreateChildBlock: %v", err)
	}

	for i, child := range children {
		if child.Lane != parent.Lane {
			t.Errorf("child %d lane = %q, want parent lane %q", i, child.Lane, parent.Lane)
		}
		if child.Index != i+1 {
			t.Errorf("child %d index = %d, want %d", i, child.Index, i+1)
		}
	}
	if parent.ChildBlockID == nil {
		t.Fatal("parent child block not linked")
	}

	// Наследование держится на любой глубине: блок внуков под
	// потомком получает ту же полосу, а не из round-robin'а.
	children[0].Status = domain.StepStatusRunning
	store.put(children[0])

	grandchildren, err := creator.CreateChildBlock(context.Background(), children[0], []StepSpec{
		{Action: "probe"},
		{Action: "probe"},
	})
	if err != nil {
		t.Fatalf("CreateChildBlock (grandchildren): %v", err)
	}
	for i, gc := range grandchildren {
		if gc.Lane != parent.Lane {
			t.Errorf("grandchild %d lane = %q, want %q", i, gc.Lane, parent.Lane)
		}
	}
}

// parentLookupCounter считает обращения к поиску родителя блока.
type parentLookupCounter struct {
	*memStore
	lookups int
}

func (s *parentLookupCounter) FindParentOfBlock(ctx context.Context, blockID uuid.UUID) (*domain.Step, error) {
	s.lookups++
	return s.memStore.FindParentOfBlock(ctx, blockID)
}

// Назначение полосы корню не ходит в поиск родителя: свежий BlockID
// корня ни с чем не сматчится.
func TestAssignLaneRootSkipsParentLookup(t *testing.T) {
	store := &parentLookupCounter{memStore: newMemStore()}
	lanes := newMemLanes()
	lanes.Ensure(context.Background(), []string{"lane-01"})
	creator := NewCreator(store, NewSelector(store, lanes), job.DefaultRegistry())

	if _, err := creator.CreateRoot(context.Background(), StepSpec{Action: "probe"}); err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	if store.lookups != 0 {
		t.Errorf("parent lookups during root creation = %d, want 0", store.lookups)
	}

	parent, err := creator.CreateRoot(context.Background(), StepSpec{Action: "probe"})
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	parent.Status = domain.StepStatusRunning
	store.put(parent)
	children, err := creator.CreateChildBlock(context.Background(), parent, []StepSpec{{Action: "probe"}})
	if err != nil {
		t.Fatalf("CreateChildBlock: %v", err)
	}

	// Потомок наследует полосу через поиск родителя блока.
	lane, err := NewSelector(store, lanes).AssignLane(context.Background(), &domain.Step{
		ID:       uuid.New(),
		BlockID:  children[0].BlockID,
		ParentID: &parent.ID,
	})
	if err != nil {
		t.Fatalf("AssignLane: %v", err)
	}
	if lane != parent.Lane {
		t.Errorf("lane = %q, want %q", lane, parent.Lane)
	}
	if store.lookups != 1 {
		t.Errorf("parent lookups = %d, want 1", store.lookups)
	}
}

func TestCreateChildBlockRejectsTerminalParent(t *testing.T) {
	store := newMemStore()
	lanes := newMemLanes()
	lanes.Ensure(context.Background(), []string{"lane-01"})
	creator := newTestCreator(store, lanes)

	parent, err := creator.CreateRoot(context.Background(), StepSpec{Action: "probe"})
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	parent.Status = domain.StepStatusCompleted
	store.put(parent)

	_, err = creator.CreateChildBlock(context.Background(), parent, []StepSpec{{Action: "probe"}})
	if !errors.Is(err, ErrParentTerminal) {
		t.Fatalf("err = %v, want ErrParentTerminal", err)
	}
}

func TestCreateChildBlockRejectsEmptySpecs(t *testing.T) {
	store := newMemStore()
	lanes := newMemLanes()
	lanes.Ensure(context.Background(), []string{"lane-01"})
	creator := newTestCreator(store, lanes)

	parent, err := creator.CreateRoot(context.Background(), StepSpec{Action: "probe"})
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	parent.Status = domain.StepStatusRunning
	store.put(parent)

	_, err = creator.CreateChildBlock(context.Background(), parent, nil)
	if !errors.Is(err, ErrEmptyBlock) {
		t.Fatalf("err = %v, want ErrEmptyBlock", err)
	}
}

func TestAssignLaneRejectsReassignment(t *testing.T) {
	store := newMemStore()
	lanes := newMemLanes()
	lanes.Ensure(context.Background(), []string{"lane-01"})
	selector := NewSelector(store, lanes)

	step := domain.NewStep("probe", nil)
	step.Lane = "lane-01"

	_, err := selector.AssignLane(context.Background(), step)
	if !errors.Is(err, ErrLaneAssigned) {
		t.Fatalf("err = %v, want ErrLaneAssigned", err)
	}
}

func TestBreakerCanSafelyRestart(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		running    int
		dispatched int
		want       bool
	}{
		{"flag on", true, 0, 0, false},
		{"running step in flight", false, 1, 0, false},
		{"dispatched step in flight", false, 0, 1, false},
		{"drained", false, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			control := &memControl{enabled: tt.enabled}
			for i := 0; i < tt.running; i++ {
				s := domain.NewStep("probe", nil)
				s.Status = domain.StepStatusRunning
				store.Create(context.Background(), s)
			}
			for i := 0; i < tt.dispatched; i++ {
				s := domain.NewStep("probe", nil)
				s.Status = domain.StepStatusDispatched
				store.Create(context.Background(), s)
			}

			breaker := NewBreaker(control, store, discardLogger())
			got, err := breaker.CanSafelyRestart(context.Background())
			if err != nil {
				t.Fatalf("CanSafelyRestart: %v", err)
			}
			if got != tt.want {
				t.Errorf("CanSafelyRestart = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCancelStepPendingAndDispatched(t *testing.T) {
	for _, status := range []domain.StepStatus{
		domain.StepStatusNotRunnable,
		domain.StepStatusPending,
		domain.StepStatusDispatched,
	} {
		t.Run(string(status), func(t *testing.T) {
			store := newMemStore()
			step := domain.NewStep("probe", nil)
			step.Lane = testLane
			step.Status = status
			store.Create(context.Background(), step)

			cancelled, err := CancelStep(context.Background(), store, step.ID)
			if err != nil {
				t.Fatalf("CancelStep: %v", err)
			}
			if cancelled.Status != domain.StepStatusCancelled {
				t.Errorf("status = %s, want CANCELLED", cancelled.Status)
			}
			if got := store.status(step.ID); got != domain.StepStatusCancelled {
				t.Errorf("stored status = %s, want CANCELLED", got)
			}
		})
	}
}

func TestCancelStepRejectsRunning(t *testing.T) {
	store := newMemStore()
	step := domain.NewStep("probe", nil)
	step.Status = domain.StepStatusRunning
	store.Create(context.Background(), step)

	_, err := CancelStep(context.Background(), store, step.ID)
	if !errors.Is(err, ErrStepNotCancellable) {
		t.Fatalf("err = %v, want ErrStepNotCancellable", err)
	}
	if got := store.status(step.ID); got != domain.StepStatusRunning {
		t.Errorf("status = %s, want RUNNING untouched", got)
	}
}

func TestDispatcherStartStop(t *testing.T) {
	store := newMemStore()
	lanes := newMemLanes()
	control := &memControl{enabled: true}

	d, err := New(Config{
		Store:        store,
		Lanes:        lanes,
		Control:      control,
		Logger:       discardLogger(),
		LaneNames:    []string{"lane-01", "lane-02"},
		TickInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	step := domain.NewStep("probe", nil)
	step.Lane = "lane-01"
	store.Create(context.Background(), step)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Error("second Start did not fail")
	}

	deadline := time.After(2 * time.Second)
	for store.status(step.ID) != domain.StepStatusDispatched {
		select {
		case <-deadline:
			t.Fatalf("step not dispatched, status = %s", store.status(step.ID))
		case <-time.After(5 * time.Millisecond):
		}
	}

	d.Stop()
	d.Stop() // idempotent
}

func TestDispatcherKickWakesLane(t *testing.T) {
	store := newMemStore()
	lanes := newMemLanes()
	control := &memControl{enabled: true}

	d, err := New(Config{
		Store:        store,
		Lanes:        lanes,
		Control:      control,
		Logger:       discardLogger(),
		LaneNames:    []string{"lane-01"},
		TickInterval: time.Hour, // только kick, без планового тика
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	step := domain.NewStep("probe", nil)
	step.Lane = "lane-01"
	store.Create(context.Background(), step)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	d.Kick("lane-01")

	deadline := time.After(2 * time.Second)
	for store.status(step.ID) != domain.StepStatusDispatched {
		select {
		case <-deadline:
			t.Fatalf("kick did not trigger dispatch, status = %s", store.status(step.ID))
		case <-time.After(5 * time.Millisecond):
		}
	}
}
