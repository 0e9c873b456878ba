package stats

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// AtomicInt64Counter is a lock-free 64-bit integer counter
type AtomicInt64Counter struct {
	v atomic.Int64
}

// Add atomically adds delta to the counter and returns the new value
func (c *AtomicInt64Counter) Add(delta int64) int64 {
	return c.v.Add(delta)
}

func (c *AtomicInt64Counter) Load() int64 {
	return c.v.Load()
}

// Reset atomically resets the counter to 0 and returns the previous value
func (c *AtomicInt64Counter) Reset() int64 {
	return c.v.Swap(0)
}

// MemoryCollector keeps lock-free counters in process memory. Per-domain
// totals are the only part that needs a lock.
type MemoryCollector struct {
	nextID            AtomicInt64Counter
	totalConnections  AtomicInt64Counter
	activeConnections AtomicInt64Counter
	totalRequests     AtomicInt64Counter
	totalErrors       AtomicInt64Counter
	blockedRequests   AtomicInt64Counter
	totalBytesIn      AtomicInt64Counter
	totalBytesOut     AtomicInt64Counter

	mu      sync.Mutex
	hosts   map[int64]string
	domains map[string]*DomainStats
}

func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		hosts:   make(map[int64]string),
		domains: make(map[string]*DomainStats),
	}
}

func (m *MemoryCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error) {
	id := m.nextID.Add(1)
	m.totalConnections.Add(1)
	m.activeConnections.Add(1)

	m.mu.Lock()
	m.hosts[id] = targetHost
	m.mu.Unlock()
	return id, nil
}

func (m *MemoryCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	m.mu.Lock()
	host, ok := m.hosts[connectionID]
	delete(m.hosts, connectionID)
	if ok && host != "" {
		if d := m.domains[host]; d != nil {
			d.TotalBytes += bytesSent + bytesReceived
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.activeConnections.Add(-1)
	m.totalBytesOut.Add(bytesSent)
	m.totalBytesIn.Add(bytesReceived)
	return nil
}

func (m *MemoryCollector) RecordRequest(ctx context.Context, connectionID int64, method, host string, port int, path string) error {
	m.totalRequests.Add(1)

	m.mu.Lock()
	d := m.domains[host]
	if d == nil {
		d = &DomainStats{Domain: host}
		m.domains[host] = d
	}
	d.RequestCount++
	if _, ok := m.hosts[connectionID]; ok {
		m.hosts[connectionID] = host
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	m.totalErrors.Add(1)
	return nil
}

func (m *MemoryCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	m.blockedRequests.Add(1)
	return nil
}

func (m *MemoryCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{
		TotalConnections:  m.totalConnections.Load(),
		ActiveConnections: m.activeConnections.Load(),
		TotalRequests:     m.totalRequests.Load(),
		TotalErrors:       m.totalErrors.Load(),
		BlockedRequests:   m.blockedRequests.Load(),
		TotalBytesIn:      m.totalBytesIn.Load(),
		TotalBytesOut:     m.totalBytesOut.Load(),
	}, nil
}

func (m *MemoryCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	m.mu.Lock()
	domains := make([]DomainStats, 0, len(m.domains))
	for _, d := range m.domains {
		domains = append(domains, *d)
	}
	m.mu.Unlock()

	sort.Slice(domains, func(i, j int) bool {
		if domains[i].RequestCount != domains[j].RequestCount {
			return domains[i].RequestCount > domains[j].RequestCount
		}
		return domains[i].Domain < domains[j].Domain
	})
	if limit > 0 && len(domains) > limit {
		domains = domains[:limit]
	}
	return domains, nil
}

func (m *MemoryCollector) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MemoryCollector) Close() error {
	return nil
}
