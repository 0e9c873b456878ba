package stats

import (
	"context"
	"time"
)

// Session kinds passed to StartConnection.
const (
	KindProxy = "proxy" // relayed to an upstream
	KindLocal = "local" // answered by the local responder
)

// Close reasons passed to EndConnection.
const (
	ReasonCompleted   = "completed"
	ReasonLocal       = "local"
	ReasonBadRequest  = "bad_request"
	ReasonBlocked     = "blocked"
	ReasonUnreachable = "upstream_unreachable"
	ReasonForward     = "forward_failed"
	ReasonRelayError  = "relay_error"
)

// Collector defines the interface for collecting proxy statistics.
// Implementations must be safe for concurrent use by many sessions.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	RecordRequest(ctx context.Context, connectionID int64, method, host string, port int, path string) error
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error

	// Queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalRequests     int64 `json:"total_requests"`
	TotalErrors       int64 `json:"total_errors"`
	BlockedRequests   int64 `json:"blocked_requests"`
	TotalBytesIn      int64 `json:"total_bytes_in"`
	TotalBytesOut     int64 `json:"total_bytes_out"`
}

// DomainStats represents statistics for a domain
type DomainStats struct {
	Domain       string `json:"domain"`
	RequestCount int64  `json:"request_count"`
	TotalBytes   int64  `json:"total_bytes"`
}
