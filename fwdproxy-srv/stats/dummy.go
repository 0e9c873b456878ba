package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// used when statistics collection is disabled.
type DummyCollector struct{}

func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordRequest(ctx context.Context, connectionID int64, method, host string, port int, path string) error {
	return nil
}

func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return nil
}

func (d *DummyCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return nil
}

func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{}, nil
}

func (d *DummyCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	return []DomainStats{}, nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

func (d *DummyCollector) Close() error {
	return nil
}
