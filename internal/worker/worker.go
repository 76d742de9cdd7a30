package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/domain"
	"github.com/quantora/steprunner/internal/job"
	"github.com/quantora/steprunner/internal/mq"
	"github.com/quantora/steprunner/internal/throttle"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 50
	defaultPrefetch     = 5

	// Backoff retry по умолчанию: base * 2^retry_count, с потолком.
	defaultRetryBase = time.Second
	maxRetryDelay    = 5 * time.Minute
)

// Store — доступ воркера к Step Store. Реализуется repo.StepRepo.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Step, error)
	UpdateStatus(ctx context.Context, step *domain.Step, from domain.StepStatus) error
	ListDispatched(ctx context.Context, limit int) ([]domain.Step, error)
}

// Publisher публикует событие step.completed. Реализуется mq.Publisher;
// nil допустим — диспетчер подхватит изменения плановым тиком.
type Publisher interface {
	PublishStepCompleted(ctx context.Context, payload mq.StepCompletedPayload) error
}

// Worker выполняет jobs для DISPATCHED steps.
//
// Stateless компонент: масштабируется горизонтально, несколько
// экземпляров потребляют одну очередь steps.dispatched.
type Worker struct {
	store     Store
	registry  *job.Registry
	throttler *throttle.Throttler
	publisher Publisher

	conn     *mq.Connection
	consumer *mq.Consumer

	pollInterval time.Duration
	batchSize    int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	// Store — хранилище steps (обязателен).
	Store Store

	// Registry — реестр job-исполнителей (nil — job.DefaultRegistry()).
	Registry *job.Registry

	// Throttler — admission control для исходящих вызовов провайдеров.
	Throttler *throttle.Throttler

	// MQ (опционально; без брокера работает только polling).
	Publisher Publisher
	Conn      *mq.Connection

	// PollInterval — интервал polling fallback (default: 10s).
	PollInterval time.Duration

	// BatchSize — количество steps за один poll (default: 50).
	BatchSize int

	Logger *slog.Logger
}

// New создаёт Worker.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = job.DefaultRegistry()
	}

	return &Worker{
		store:        cfg.Store,
		registry:     registry,
		throttler:    cfg.Throttler,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger.With("component", "worker"),
	}
}

// Start запускает Worker: consumer очереди steps.dispatched (если есть
// соединение с брокером) и polling fallback.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"actions", w.registry.Keys(),
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueStepsDispatched),
			Handler:  w.handleStepDispatched,
			Prefetch: defaultPrefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("step consumer error", "error", err)
			}
		}()
	} else {
		w.logger.Warn("no broker connection, running in polling-only mode")
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения in-flight jobs.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// pollLoop — цикл polling fallback.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу: подхватываем steps, диспетчеризованные пока
	// воркеры были выключены.
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (w *Worker) poll(ctx context.Context) {
	steps, err := w.store.ListDispatched(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("failed to list dispatched steps", "error", err)
		return
	}
	if len(steps) == 0 {
		return
	}

	w.logger.Debug("poll found dispatched steps", "count", len(steps))

	for i := range steps {
		if ctx.Err() != nil {
			return
		}
		if err := w.processStep(ctx, steps[i].ID); err != nil {
			if errors.Is(err, ErrStepClaimed) || errors.Is(err, ErrStepNotDispatched) {
				continue
			}
			w.logger.Error("failed to process step from poll",
				"step_id", steps[i].ID,
				"error", err,
			)
		}
	}
}
