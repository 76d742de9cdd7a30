package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/mq"
	"github.com/quantora/steprunner/internal/telemetry"
)

const (
	defaultTickInterval = 500 * time.Millisecond
	defaultBatchSize    = 100

	// laneLockTimeout — возраст замка допуска, после которого он
	// считается осиротевшим и снимается принудительно.
	laneLockTimeout = time.Minute

	// laneReleaseTimeout ограничивает возврат замка на shutdown.
	laneReleaseTimeout = 5 * time.Second
)

// Publisher публикует события диспетчера. Реализуется mq.Publisher;
// nil допустим — воркеры тогда работают только через polling.
type Publisher interface {
	PublishStepDispatched(ctx context.Context, payload mq.StepDispatchedPayload) error
}

// Config настраивает Dispatcher.
type Config struct {
	Store     Store
	Lanes     LaneRegistry
	Control   ControlStore
	Publisher Publisher
	Logger    *slog.Logger

	// LaneNames — полосы, которые тикает этот процесс.
	LaneNames []string

	// TickInterval — период планового тика полосы.
	TickInterval time.Duration

	// BatchSize — максимум кандидатов на фазу за тик.
	BatchSize int
}

// Dispatcher тикает полосы: по таймеру и по событиям завершения steps.
//
// Каждая полоса обслуживается своей горутиной; замок допуска в БД
// делает параллельный запуск нескольких диспетчеров безопасным.
type Dispatcher struct {
	store     Store
	lanes     LaneRegistry
	breaker   *Breaker
	publisher Publisher
	logger    *slog.Logger

	laneNames    []string
	tickInterval time.Duration
	batchSize    int

	// kicks будит полосу вне планового тика.
	kicks map[string]chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New создаёт Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Lanes == nil {
		return nil, fmt.Errorf("lane registry is required")
	}
	if cfg.Control == nil {
		return nil, fmt.Errorf("control store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if len(cfg.LaneNames) == 0 {
		return nil, fmt.Errorf("at least one lane is required")
	}

	kicks := make(map[string]chan struct{}, len(cfg.LaneNames))
	for _, lane := range cfg.LaneNames {
		kicks[lane] = make(chan struct{}, 1)
	}

	return &Dispatcher{
		store:        cfg.Store,
		lanes:        cfg.Lanes,
		breaker:      NewBreaker(cfg.Control, cfg.Store, cfg.Logger),
		publisher:    cfg.Publisher,
		logger:       cfg.Logger.With("component", "dispatcher"),
		laneNames:    cfg.LaneNames,
		tickInterval: cfg.TickInterval,
		batchSize:    cfg.BatchSize,
		kicks:        kicks,
	}, nil
}

// Breaker возвращает circuit breaker диспетчера.
func (d *Dispatcher) Breaker() *Breaker {
	return d.breaker
}

// Start регистрирует полосы и запускает по горутине на каждую.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}

	if err := d.lanes.Ensure(ctx, d.laneNames); err != nil {
		return fmt.Errorf("ensure lanes: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	for _, lane := range d.laneNames {
		d.wg.Add(1)
		go d.runLane(runCtx, lane)
	}

	d.logger.Info("dispatcher started",
		"lanes", len(d.laneNames),
		"tick_interval", d.tickInterval,
	)
	return nil
}

// Stop останавливает все горутины полос и ждёт их завершения.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Kick будит полосу для внепланового тика. Пустое имя будит все полосы.
func (d *Dispatcher) Kick(lane string) {
	if lane == "" {
		for _, ch := range d.kicks {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		return
	}
	ch, ok := d.kicks[lane]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// CompletionHandler возвращает обработчик событий step.completed:
// завершение step сразу будит его полосу, не дожидаясь таймера.
func (d *Dispatcher) CompletionHandler() mq.Handler {
	return func(ctx context.Context, delivery *mq.Delivery) error {
		payload, err := mq.ParsePayload[mq.StepCompletedPayload](&delivery.Message)
		if err != nil {
			return err
		}
		d.Kick(payload.Lane)
		return nil
	}
}

func (d *Dispatcher) runLane(ctx context.Context, lane string) {
	defer d.wg.Done()

	logger := telemetry.WithLane(d.logger, lane)
	logger.Debug("lane loop started")

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	kick := d.kicks[lane]
	for {
		select {
		case <-ctx.Done():
			logger.Debug("lane loop stopped")
			return
		case <-ticker.C:
		case <-kick:
		}

		tickID := uuid.New().String()
		if err := d.tick(ctx, lane, tickID); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("tick failed", "tick_id", tickID, "error", err)
		}
	}
}
