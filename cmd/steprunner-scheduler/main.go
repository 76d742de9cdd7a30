// Steprunner Scheduler — создаёт корневые steps по расписаниям.
//
// Scheduler:
//   - Выбирает due schedules (cron или фиксированный интервал)
//   - Захватывает запуск CAS'ом по next_due_at
//   - Создаёт корневой step с round-robin назначением полосы
//
// Несколько экземпляров безопасны: дубликаты исключает CAS.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantora/steprunner/internal/dispatch"
	"github.com/quantora/steprunner/internal/job"
	"github.com/quantora/steprunner/internal/repo"
	"github.com/quantora/steprunner/internal/scheduler"
	"github.com/quantora/steprunner/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting steprunner-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Создаём репозитории
	stepRepo := repo.NewStepRepo(pool)
	laneRepo := repo.NewLaneRepo(pool)
	scheduleRepo := repo.NewScheduleRepo(pool)

	creator := dispatch.NewCreator(
		stepRepo,
		dispatch.NewSelector(stepRepo, laneRepo),
		job.DefaultRegistry(),
	)

	s := scheduler.New(scheduler.Config{
		Schedules: scheduleRepo,
		Creator:   creator,
		Logger:    logger,
	})
	s.Start(ctx)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8081"
	if v := os.Getenv("SCHEDULER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	s.Stop()
	logger.Info("steprunner-scheduler stopped")
}
