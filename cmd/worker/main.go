package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"coaching_settlement/internal/app"
	"coaching_settlement/internal/tasks"
)

const pollInterval = time.Minute

func main() {
	a, err := app.New()
	if err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}
	defer a.Close()

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		a.Logger.Info("Shutting down worker")
		cancel()
	}()

	ops := opsServer(a)
	go func() {
		a.Logger.Info("Ops server starting", zap.String("port", a.Config.OpsPort))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Ops server stopped", zap.Error(err))
		}
	}()

	runner := tasks.NewRunner(a.DB, a.Registry, a.Logger)
	a.Logger.Info("Worker started", zap.Strings("tasks", a.Registry.Names()), zap.Duration("poll_interval", pollInterval))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	poll(ctx, a, runner)
	for {
		select {
		case <-ticker.C:
			poll(ctx, a, runner)
		case <-ctx.Done():
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = ops.Shutdown(shutdownCtx)
			return
		}
	}
}

func poll(ctx context.Context, a *app.App, runner *tasks.Runner) {
	ran, err := runner.RunDue(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Failed to run due tasks", zap.Error(err))
		return
	}
	if ran > 0 {
		a.Logger.Info("Ran due tasks", zap.Int("count", ran))
	}
}

func opsServer(a *app.App) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		status, code := "ok", http.StatusOK
		sqlDB, err := a.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(req.Context())
		}
		if err != nil {
			status, code = "unavailable", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:              ":" + a.Config.OpsPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
