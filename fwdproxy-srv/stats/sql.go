package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLCollector implements Collector on top of database/sql. The SQLite and
// PostgreSQL constructors share it and differ only in placeholder syntax.
type SQLCollector struct {
	db     *sql.DB
	driver string
}

// bind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLCollector) bind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.bind(query), args...)
	return err
}

func (s *SQLCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.bind(
		`INSERT INTO connections (client_ip, target_host, target_port, kind, started_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		clientIP, targetHost, targetPort, kind, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

func (s *SQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now().UTC(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (s *SQLCollector) RecordRequest(ctx context.Context, connectionID int64, method, host string, port int, path string) error {
	err := s.exec(ctx,
		`INSERT INTO requests (connection_id, method, host, port, path, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connectionID, method, host, port, path, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

func (s *SQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (s *SQLCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	err := s.exec(ctx,
		`INSERT INTO security_events (client_ip, target_host, event_type, reason, timestamp)
		 VALUES (?, ?, 'blocked', ?, ?)`,
		clientIP, targetHost, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

func (s *SQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(bytes_sent), 0),
		        COALESCE(SUM(bytes_received), 0)
		 FROM connections`).Scan(&stats.TotalConnections, &stats.ActiveConnections, &stats.TotalBytesOut, &stats.TotalBytesIn)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests").Scan(&stats.TotalRequests); err != nil {
		return nil, fmt.Errorf("failed to get total requests: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM errors").Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_events WHERE event_type = 'blocked'").Scan(&stats.BlockedRequests); err != nil {
		return nil, fmt.Errorf("failed to get blocked requests: %w", err)
	}

	return stats, nil
}

// GetTopDomains returns top domains by request count
func (s *SQLCollector) GetTopDomains(ctx context.Context, limit int) (domains []DomainStats, err error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT r.host, COUNT(*) AS request_count,
		        COALESCE(SUM(c.bytes_sent + c.bytes_received), 0) AS total_bytes
		 FROM requests r
		 JOIN connections c ON c.id = r.connection_id
		 GROUP BY r.host
		 ORDER BY request_count DESC, r.host ASC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top domains: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	domains = []DomainStats{}
	for rows.Next() {
		var domain DomainStats
		if err := rows.Scan(&domain.Domain, &domain.RequestCount, &domain.TotalBytes); err != nil {
			return nil, fmt.Errorf("failed to scan domain stats: %w", err)
		}
		domains = append(domains, domain)
	}
	return domains, rows.Err()
}

// HealthCheck checks if the database connection is healthy
func (s *SQLCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLCollector) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
