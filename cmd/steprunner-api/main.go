package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantora/steprunner/internal/api"
	"github.com/quantora/steprunner/internal/dispatch"
	"github.com/quantora/steprunner/internal/job"
	"github.com/quantora/steprunner/internal/repo"
	"github.com/quantora/steprunner/internal/telemetry"
)

var (
	startTime = time.Now()
	reqTotal  = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steprunner_api_http_requests_total",
		Help: "Total HTTP requests handled by steprunner_api",
	})
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting steprunner-api")

	// Подключаемся к базе данных
	pool, err := repo.NewPool(context.Background())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Создаём репозитории
	stepRepo := repo.NewStepRepo(pool)
	laneRepo := repo.NewLaneRepo(pool)
	controlRepo := repo.NewControlRepo(pool)
	scheduleRepo := repo.NewScheduleRepo(pool)

	if err := controlRepo.Ensure(context.Background()); err != nil {
		logger.Error("failed to ensure control row", "error", err)
		os.Exit(1)
	}

	creator := dispatch.NewCreator(
		stepRepo,
		dispatch.NewSelector(stepRepo, laneRepo),
		job.DefaultRegistry(),
	)
	breaker := dispatch.NewBreaker(controlRepo, stepRepo, logger)

	// Создаём API handler
	handler := api.NewHandler(api.Config{
		Steps:     stepRepo,
		Creator:   creator,
		Breaker:   breaker,
		Schedules: scheduleRepo,
		Logger:    logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reqTotal.Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	addr := ":8080"
	if v := os.Getenv("API_PORT"); v != "" {
		addr = ":" + v
	}

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Запускаем сервер в горутине
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Ожидаем сигнал завершения
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
