package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/reelsmith/reelsmith/server/internal/observability"
)

type systemMetricsResponse struct {
	*observability.MetricsSnapshot
	SuccessRate float64 `json:"successRate"`
}

// GetSystemMetrics exposes pipeline counters for operators and dashboards.
func (s *APIV1Service) GetSystemMetrics(c echo.Context) error {
	snapshot := observability.GlobalMetrics().Snapshot()
	return c.JSON(http.StatusOK, systemMetricsResponse{
		MetricsSnapshot: snapshot,
		SuccessRate:     snapshot.SuccessRate(),
	})
}
