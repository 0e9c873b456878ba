package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/config"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
)

// ErrNoAddresses is returned when a lookup succeeds without any usable address.
var ErrNoAddresses = errors.New("no addresses found")

// Resolver dials the configured DNS servers for the Go resolver. Servers are
// tried in configuration order; the first reachable one answers the query.
type Resolver struct {
	servers   []config.DNSServerConfig
	tlsConfig *tls.Config
}

// NewResolver creates a new Resolver with the given DNS configuration.
func NewResolver(cfg config.DNSConfig) *Resolver {
	return &Resolver{
		servers: cfg.Servers,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}
}

// New returns the *net.Resolver for cfg. When custom DNS is disabled or has
// no servers the system configuration is used.
func New(cfg config.DNSConfig) *net.Resolver {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		logger.Debug("Using system default DNS resolver")
		return &net.Resolver{PreferGo: true}
	}

	logger.Info("Custom DNS resolver initialized with %d server(s)", len(cfg.Servers))
	for i, server := range cfg.Servers {
		logger.Debug("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
	}
	return &net.Resolver{
		PreferGo: true,
		Dial:     NewResolver(cfg).Dial,
	}
}

// Lookup resolves host into an ordered list of IP addresses. The order is
// the one the resolver returned and is the order connections are attempted in.
// IP literals are returned unchanged.
func Lookup(ctx context.Context, r *net.Resolver, host string, forceIPv4 bool) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if forceIPv4 && ip.To4() == nil {
			return nil, fmt.Errorf("%s: %w", host, ErrNoAddresses)
		}
		return []net.IP{ip}, nil
	}

	network := "ip"
	if forceIPv4 {
		network = "ip4"
	}
	ips, err := r.LookupIP(ctx, network, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%s: %w", host, ErrNoAddresses)
	}
	return ips, nil
}

// Dial is the custom dial function for DNS resolution.
func (r *Resolver) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var errs []error
	for idx, server := range r.servers {
		conn, err := r.dialServer(ctx, server)
		if err == nil {
			logger.Trace("Using DNS server %d: %s (%s)", idx, server.Address, server.Type)
			return conn, nil
		}
		logger.Debug("DNS server %s unreachable: %v", server.Address, err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all DNS servers failed: %w", errors.Join(errs...))
}

func (r *Resolver) dialServer(ctx context.Context, server config.DNSServerConfig) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: server.GetTimeoutDuration(),
	}

	switch server.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(server.Type), server.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if server.TLSHost != "" {
			tlsConfig.ServerName = server.TLSHost
		} else if host, _, err := net.SplitHostPort(server.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, server.GetTimeoutDuration())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", server.Type)
	}
}
