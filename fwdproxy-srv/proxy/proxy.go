package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/config"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/stats"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	healthCheckTimeout     = 5 * time.Second
	topDomainsLogged       = 5
)

// settings is the per-configuration state a session reads. A session keeps
// the snapshot it started with even if the proxy is reloaded meanwhile.
type settings struct {
	connector      Connector
	blocklist      *Blocklist
	selfHost       string
	selfPort       int
	timeout        time.Duration
	maxRequestSize int
	pool           *bufferPool
}

type Proxy struct {
	config    atomic.Pointer[config.Config]
	settings  atomic.Pointer[settings]
	collector stats.Collector

	// fixed connector; when set, the forward configuration is ignored
	connector Connector

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	sessions sync.WaitGroup
	stopOnce sync.Once

	shutdownTimeout time.Duration

	nextSessionID atomic.Uint64
}

// Option customizes a Proxy created by NewProxy.
type Option func(*Proxy)

// WithConnector makes every session use c instead of the connector built
// from the forward configuration.
func WithConnector(c Connector) Option {
	return func(p *Proxy) { p.connector = c }
}

// WithCollector replaces the statistics collector built from the
// configuration.
func WithCollector(c stats.Collector) Option {
	return func(p *Proxy) { p.collector = c }
}

func NewProxy(cfg *config.Config, opts ...Option) (*Proxy, error) {
	p := &Proxy{shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if p.collector == nil {
		collector, err := stats.NewCollector(cfg.Statistics)
		if err != nil {
			logger.Error("Failed to initialize statistics collector: %v", err)
			collector = stats.NewDummyCollector()
		}
		p.collector = collector
	}
	p.checkCollector()

	if err := p.Reload(cfg); err != nil {
		p.cancel()
		return nil, err
	}
	return p, nil
}

// Reload swaps in a new configuration for sessions accepted from now on.
// The listen address and statistics backend are not changed.
func (p *Proxy) Reload(cfg *config.Config) error {
	connector := p.connector
	if connector == nil {
		var err error
		connector, err = NewConnector(cfg)
		if err != nil {
			return err
		}
	}

	st := &settings{
		connector:      connector,
		blocklist:      NewBlocklist(cfg.Blocklist),
		selfHost:       cfg.SelfHost,
		selfPort:       cfg.EffectiveSelfPort(),
		timeout:        time.Duration(cfg.TimeoutSeconds) * time.Second,
		maxRequestSize: cfg.MaxRequestSize,
		pool:           defaultBufferPool,
	}
	if st.maxRequestSize <= 0 {
		st.maxRequestSize = config.DefaultMaxRequestSize
	}
	if cfg.RelayBufferSize > 0 && cfg.RelayBufferSize != DefaultBufferSize {
		st.pool = newBufferPool(cfg.RelayBufferSize)
	}

	p.config.Store(cfg)
	p.settings.Store(st)

	logger.Debug("Forwarding via %s, %d blocklist entries, local responder on %s:%d",
		forwardDescription(cfg.Forward, p.connector != nil), st.blocklist.Len(), st.selfHost, st.selfPort)
	return nil
}

// checkCollector replaces a collector that fails its health check with a
// dummy one, so sessions never block on a broken statistics backend.
func (p *Proxy) checkCollector() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	if err := p.collector.HealthCheck(ctx); err != nil {
		logger.Error("Statistics collector failed health check, statistics disabled: %v", err)
		if cerr := p.collector.Close(); cerr != nil {
			logger.Error("Failed to close statistics collector: %v", cerr)
		}
		p.collector = stats.NewDummyCollector()
	}
}

func forwardDescription(fwd config.ForwardConfig, fixed bool) string {
	if fixed {
		return "custom connector"
	}
	switch fwd.Type {
	case config.ForwardTypeSocks5:
		desc := fmt.Sprintf("socks5 %s", fwd.Address)
		if fwd.Username != nil {
			desc += fmt.Sprintf(" (user %s)", *fwd.Username)
		}
		return desc
	case config.ForwardTypeShadowsocks:
		return fmt.Sprintf("shadowsocks %s (%s)", fwd.Address, fwd.Cipher)
	default:
		return "direct connections"
	}
}

func (p *Proxy) GetConfig() *config.Config {
	return p.config.Load()
}

// Collector returns the statistics collector sessions report to.
func (p *Proxy) Collector() stats.Collector {
	return p.collector
}

// Start listens on the configured address and serves until Stop is called.
func (p *Proxy) Start() error {
	cfg := p.config.Load()
	lc := net.ListenConfig{Control: setReuseAddr}
	listener, err := lc.Listen(p.ctx, "tcp", cfg.ListenAddress())
	if err != nil {
		if p.ctx.Err() != nil {
			return nil
		}
		return NewProxyError(ErrCodeListenerCreateFailed, fmt.Errorf("listen on %s: %w", cfg.ListenAddress(), err))
	}
	return p.StartWithListener(listener)
}

// StartWithListener serves sessions accepted from listener until Stop is
// called or the listener is closed. It returns nil right away, closing
// listener, when the proxy was already stopped.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	p.listener = listener
	p.mu.Unlock()

	logger.Info("Starting proxy server on %s", listener.Addr().String())

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || p.ctx.Err() != nil {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			logger.Error("Accept failed, retrying in %s: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-p.ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		p.mu.Lock()
		if p.ctx.Err() != nil {
			p.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		p.sessions.Add(1)
		p.mu.Unlock()
		go func() {
			defer p.sessions.Done()
			p.ServeConn(p.ctx, conn)
		}()
	}
}

// Addr returns the listening address, or nil before the proxy started.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes the listener, aborts open sessions and waits for them to
// finish. The statistics collector is closed only when every session ended
// in time; otherwise it stays open for the stragglers.
func (p *Proxy) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.cancel()
		if p.listener != nil {
			if cerr := p.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.sessions.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.shutdownTimeout):
			logger.Warn("Sessions still running after %s, leaving statistics collector open", p.shutdownTimeout)
			p.logStatistics()
			return
		}

		p.logStatistics()
		if cerr := p.collector.Close(); cerr != nil {
			logger.Error("Failed to close statistics collector: %v", cerr)
		}
	})
	return err
}

// logStatistics writes a summary of the collected statistics at INFO.
func (p *Proxy) logStatistics() {
	if f, ok := p.collector.(interface{ Flush() }); ok {
		f.Flush()
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	overview, err := p.collector.GetOverviewStats(ctx)
	if err != nil {
		logger.Warn("Failed to query statistics: %v", err)
		return
	}
	if overview.TotalConnections == 0 && overview.BlockedRequests == 0 {
		return
	}
	logger.Info("Served %d connections (%d active, %d requests, %d errors, %d blocked), %d bytes in, %d bytes out",
		overview.TotalConnections, overview.ActiveConnections, overview.TotalRequests,
		overview.TotalErrors, overview.BlockedRequests, overview.TotalBytesIn, overview.TotalBytesOut)

	top, err := p.collector.GetTopDomains(ctx, topDomainsLogged)
	if err != nil {
		logger.Warn("Failed to query top domains: %v", err)
		return
	}
	for i, d := range top {
		logger.Info("  %d. %s: %d requests, %d bytes", i+1, d.Domain, d.RequestCount, d.TotalBytes)
	}
}
