package http

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"finlink/internal/domain/insights"
)

// InsightsService is satisfied by insights.Service.
type InsightsService interface {
	Categories(ctx context.Context, clientUserID string) ([]insights.CategoryBucket, error)
	Months(ctx context.Context, clientUserID string) ([]insights.MonthBucket, error)
	Summary(ctx context.Context, clientUserID string) (*insights.Summary, error)
}

type InsightsHandler struct {
	insights InsightsService
	logger   *zap.Logger
}

func NewInsightsHandler(svc InsightsService, logger *zap.Logger) *InsightsHandler {
	return &InsightsHandler{insights: svc, logger: logger}
}

func (h *InsightsHandler) HandleCategories(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	buckets, err := h.insights.Categories(r.Context(), uid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (h *InsightsHandler) HandleMonths(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	buckets, err := h.insights.Months(r.Context(), uid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (h *InsightsHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	summary, err := h.insights.Summary(r.Context(), uid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
