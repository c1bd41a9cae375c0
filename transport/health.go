package transport

import (
	"context"
	"time"

	"github.com/scootdev/stitch/common/stats"
)

// HealthChecker probes collaborator endpoints through the resilient
// client and records health_check_duration_ms per probe.
type HealthChecker struct {
	client *ResilientClient
	rec    *stats.Recorder
}

func NewHealthChecker(client *ResilientClient, stat stats.StatsReceiver) *HealthChecker {
	return &HealthChecker{client: client, rec: stats.NewRecorder(stat)}
}

// Check issues a GET against endpoint. A 2xx within the client's policy
// budget is healthy; anything else is unhealthy and the error surfaces.
func (h *HealthChecker) Check(ctx context.Context, endpoint string) error {
	start := time.Now()
	err := h.client.GetJSON(ctx, endpoint, nil)
	status := "healthy"
	if err != nil {
		status = "unhealthy"
	}
	h.rec.RecordHealthCheck(endpoint, status, time.Since(start))
	return err
}
