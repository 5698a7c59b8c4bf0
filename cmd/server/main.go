package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"coaching_settlement/internal/app"
	"coaching_settlement/internal/handlers"
	apiMiddleware "coaching_settlement/internal/middleware"
)

func main() {
	a, err := app.New()
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	if a.Config.AdminAPIKey == "" {
		a.Logger.Warn("ADMIN_API_KEY not set, every API request will be rejected")
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = apiMiddleware.NewErrorHandler(a.Logger)

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.Logger.Info("Request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID))
			return nil
		},
	}))

	handlers.RegisterRoutes(e, a.DB, a.Config.AdminAPIKey, handlers.Handlers{
		Payments: handlers.NewPaymentHandler(a.Config.Settlement, a.Ledger, a.Refunds),
		Payouts:  handlers.NewPayoutHandler(a.Ledger),
		Issues:   handlers.NewIssueHandler(a.Ledger),
	})

	go func() {
		a.Logger.Info("Server starting", zap.String("port", a.Config.Port))
		if err := e.Start(":" + a.Config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Fatal("Server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.Logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		a.Logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
