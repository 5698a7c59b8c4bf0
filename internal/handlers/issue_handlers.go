package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"coaching_settlement/internal/models"
	"coaching_settlement/internal/store"
)

type IssueHandler struct {
	ledger *store.LedgerStore
}

func NewIssueHandler(ledger *store.LedgerStore) *IssueHandler {
	return &IssueHandler{ledger: ledger}
}

// ListIssues returns reconciliation issues, open ones only unless ?all=true
func (h *IssueHandler) ListIssues(c echo.Context) error {
	filter := store.IssueFilter{
		Kind:      models.IssueKind(c.QueryParam("kind")),
		PaymentID: c.QueryParam("payment_id"),
		OnlyOpen:  c.QueryParam("all") != "true",
		Limit:     100,
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		filter.Limit = limit
	}

	issues, err := h.ledger.ListIssues(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, IssueListResponse{Issues: issues})
}

func (h *IssueHandler) ResolveIssue(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	if err := h.ledger.ResolveIssue(c.Request().Context(), uint(id), time.Now().UTC()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
