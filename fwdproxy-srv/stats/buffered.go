package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
)

// BufferedCollector queues writes in memory and hands them to the
// underlying collector on a fixed interval, so sessions never wait on the
// database. StartConnection and queries go straight through because callers
// need their results.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	mu      sync.Mutex
	pending []func(ctx context.Context) error

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		pending:    make([]func(ctx context.Context) error, 0, 256),
		stopChan:   make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.flusher()
	return bc
}

func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopChan:
			b.Flush()
			return
		}
	}
}

func (b *BufferedCollector) enqueue(op func(ctx context.Context) error) {
	b.mu.Lock()
	b.pending = append(b.pending, op)
	b.mu.Unlock()
}

// Flush writes every queued operation in arrival order.
func (b *BufferedCollector) Flush() {
	b.mu.Lock()
	ops := b.pending
	b.pending = make([]func(ctx context.Context) error, 0, cap(ops))
	b.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	logger.Debug("Flushing stats data %d", len(ops))

	ctx := context.Background()
	failed := 0
	for _, op := range ops {
		if err := op(ctx); err != nil {
			failed++
			logger.Trace("Stats write failed: %v", err)
		}
	}
	if failed > 0 {
		logger.Warn("Failed to persist %d of %d stats records", failed, len(ops))
	}
}

func (b *BufferedCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error) {
	return b.underlying.StartConnection(ctx, clientIP, targetHost, targetPort, kind)
}

func (b *BufferedCollector) EndConnection(_ context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.enqueue(func(ctx context.Context) error {
		return b.underlying.EndConnection(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason)
	})
	return nil
}

func (b *BufferedCollector) RecordRequest(_ context.Context, connectionID int64, method, host string, port int, path string) error {
	b.enqueue(func(ctx context.Context) error {
		return b.underlying.RecordRequest(ctx, connectionID, method, host, port, path)
	})
	return nil
}

func (b *BufferedCollector) RecordError(_ context.Context, connectionID int64, errorType, errorMessage string) error {
	b.enqueue(func(ctx context.Context) error {
		return b.underlying.RecordError(ctx, connectionID, errorType, errorMessage)
	})
	return nil
}

func (b *BufferedCollector) RecordBlockedRequest(_ context.Context, clientIP, targetHost, reason string) error {
	b.enqueue(func(ctx context.Context) error {
		return b.underlying.RecordBlockedRequest(ctx, clientIP, targetHost, reason)
	})
	return nil
}

// GetOverviewStats delegates to underlying collector
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return b.underlying.GetOverviewStats(ctx)
}

func (b *BufferedCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	return b.underlying.GetTopDomains(ctx, limit)
}

func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close stops the flusher, writes any remaining data and closes the
// underlying collector.
func (b *BufferedCollector) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		err = b.underlying.Close()
	})
	return err
}
