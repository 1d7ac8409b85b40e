package api

import (
	"context"
	"net/http"
	"time"

	"github.com/hldeng/parley/internal/usage"
)

// UsageReporter summarizes the token ledger.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByPhase(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// maxUsageWindow caps the since parameter.
const maxUsageWindow = 366 * 24 * time.Hour

// handleUsage reports token totals over a trailing window, given by the
// since query parameter as a Go duration (default 24h).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "since must be a positive duration such as 24h")
			return
		}
		window = min(d, maxUsageWindow)
	}

	end := time.Now()
	start := end.Add(-window)
	ctx := r.Context()

	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byPhase, err := s.usage.SummaryByPhase(ctx, start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}

	s.okResponse(w, map[string]any{
		"since":    start.UTC().Format(time.RFC3339),
		"until":    end.UTC().Format(time.RFC3339),
		"total":    total,
		"by_model": byModel,
		"by_phase": byPhase,
	})
}

func (s *Server) usageError(w http.ResponseWriter, err error) {
	s.logger.Error("usage summary failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
}
