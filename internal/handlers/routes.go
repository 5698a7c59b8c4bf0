package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"coaching_settlement/internal/middleware"
)

type Handlers struct {
	Payments *PaymentHandler
	Payouts  *PayoutHandler
	Issues   *IssueHandler
}

// RegisterRoutes mounts the ops endpoints and the operator-key protected API.
func RegisterRoutes(e *echo.Echo, db *gorm.DB, apiKey string, h Handlers) {
	e.GET("/health", Health(db))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.Use(middleware.RequireOperatorKey(apiKey))

	api.POST("/payments/:id/complete", h.Payments.CompletePayment)
	api.POST("/payments/:id/refunds", h.Payments.RefundPayment)
	api.GET("/payments/:id/invoice", h.Payments.Invoice)

	api.POST("/payments/:id/payout/hold", h.Payouts.Hold)
	api.POST("/payments/:id/payout/release", h.Payouts.Release)
	api.POST("/payments/:id/payout/retry", h.Payouts.Retry)

	api.GET("/reconciliation-issues", h.Issues.ListIssues)
	api.POST("/reconciliation-issues/:id/resolve", h.Issues.ResolveIssue)
}

// Health reports whether the database is reachable
func Health(db *gorm.DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request().Context())
		}
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}
