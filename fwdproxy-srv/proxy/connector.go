package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/config"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/resolver"
	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"
	"golang.org/x/net/proxy"
)

// Connector opens a fresh upstream connection for one session.
// Implementations must be safe for concurrent use.
type Connector interface {
	Connect(ctx context.Context, host string, port int) (net.Conn, error)
}

// NewConnector builds the connector selected by cfg.Forward.
func NewConnector(cfg *config.Config) (Connector, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	fwd := cfg.Forward

	switch fwd.Type {
	case config.ForwardTypeDirect, "":
		return &DirectConnector{
			Resolver:  resolver.New(cfg.DNS),
			Timeout:   timeout,
			ForceIPv4: fwd.ForceIPv4,
		}, nil
	case config.ForwardTypeSocks5:
		return &Socks5Connector{
			Address:   fwd.Address,
			Username:  fwd.Username,
			Password:  fwd.Password,
			Timeout:   timeout,
			ForceIPv4: fwd.ForceIPv4,
		}, nil
	case config.ForwardTypeShadowsocks:
		password := ""
		if fwd.Password != nil {
			password = *fwd.Password
		}
		return NewShadowsocksConnector(fwd.Address, fwd.Cipher, password, timeout)
	default:
		return nil, NewProxyError(ErrCodeInvalidForwardConfig, fmt.Errorf("unknown forward type %q", fwd.Type))
	}
}

// DirectConnector resolves the target and dials each candidate address in
// resolver order until one accepts.
type DirectConnector struct {
	Resolver  *net.Resolver // nil means net.DefaultResolver
	Timeout   time.Duration // 0 leaves the platform connect timeout
	ForceIPv4 bool
}

func (d *DirectConnector) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	r := d.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	candidates, err := resolver.Lookup(ctx, r, host, d.ForceIPv4)
	if err != nil {
		return nil, NewProxyError(ErrCodeUpstreamUnreachable, fmt.Errorf("resolve %s: %w", host, err))
	}

	return d.dialCandidates(ctx, host, port, candidates)
}

// dialCandidates tries each address in order and returns the first
// connection that succeeds.
func (d *DirectConnector) dialCandidates(ctx context.Context, host string, port int, candidates []net.IP) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	portStr := strconv.Itoa(port)
	var errs []error
	for _, ip := range candidates {
		addr := net.JoinHostPort(ip.String(), portStr)
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			logger.Debug("Connected to %s:%d via %s", host, port, addr)
			return conn, nil
		}
		logger.Debug("Candidate %s for %s failed: %v", addr, host, err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, NewProxyError(ErrCodeUpstreamUnreachable,
		fmt.Errorf("%s:%d: all %d candidate(s) failed: %w", host, port, len(candidates), errors.Join(errs...)))
}

// Socks5Connector tunnels every upstream connection through a SOCKS5 server.
// The target host name is resolved by the SOCKS5 server.
type Socks5Connector struct {
	Address   string
	Username  *string
	Password  *string
	Timeout   time.Duration
	ForceIPv4 bool
}

func (s *Socks5Connector) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	var auth *proxy.Auth
	if s.Username != nil {
		auth = &proxy.Auth{User: *s.Username}
		if s.Password != nil {
			auth.Password = *s.Password
		}
	}

	forward := &net.Dialer{Timeout: s.Timeout}
	network := "tcp"
	if s.ForceIPv4 {
		network = "tcp4"
		forward.FallbackDelay = -1
	}

	socksDialer, err := proxy.SOCKS5(network, s.Address, auth, forward)
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", s.Address, err))
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	ctxDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: dialer does not support contexts", s.Address))
	}
	conn, err := ctxDialer.DialContext(ctx, network, target)
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target, s.Address, err))
	}
	return conn, nil
}

// ShadowsocksConnector tunnels every upstream connection through a
// shadowsocks server using a stream cipher.
type ShadowsocksConnector struct {
	Address string
	Timeout time.Duration
	cipher  core.Cipher
}

// NewShadowsocksConnector validates cipher and password up front so
// misconfiguration fails at startup instead of per session.
func NewShadowsocksConnector(address, cipherName, password string, timeout time.Duration) (*ShadowsocksConnector, error) {
	ciph, err := core.PickCipher(cipherName, nil, password)
	if err != nil {
		return nil, NewProxyError(ErrCodeShadowsocksCipherFailed, fmt.Errorf("cipher %s: %w", cipherName, err))
	}
	return &ShadowsocksConnector{Address: address, Timeout: timeout, cipher: ciph}, nil
}

func (s *ShadowsocksConnector) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	addr := socks.ParseAddr(target)
	if addr == nil {
		return nil, NewProxyError(ErrCodeShadowsocksHandshakeError, fmt.Errorf("cannot encode target %s", target))
	}

	dialer := &net.Dialer{Timeout: s.Timeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return nil, NewProxyError(ErrCodeShadowsocksConnectFailed, fmt.Errorf("server %s: %w", s.Address, err))
	}

	conn := s.cipher.StreamConn(rawConn)
	if _, err := conn.Write(addr); err != nil {
		_ = conn.Close()
		return nil, NewProxyError(ErrCodeShadowsocksHandshakeError, fmt.Errorf("target %s via %s: %w", target, s.Address, err))
	}
	return conn, nil
}
