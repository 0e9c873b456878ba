package config

import (
	"fmt"
	"net"
	"time"
)

// DNSType defines the transport used to reach a DNS server
type DNSType string

const (
	DNSTypeUDP DNSType = "udp"
	DNSTypeTCP DNSType = "tcp"
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines a single upstream DNS server.
type DNSServerConfig struct {
	Address        string // host:port or [IPv6]:port
	Type           DNSType
	TimeoutSeconds int
	TLSHost        string // SNI name, DoT only
}

// GetTimeoutDuration returns the timeout as a time.Duration
func (d DNSServerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (d DNSServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(d.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", d.Address, err)
	}
	switch d.Type {
	case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
	default:
		return fmt.Errorf("unsupported dns type %q", d.Type)
	}
	if d.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout-seconds must be positive")
	}
	return nil
}

// DNSConfig controls which resolver produces upstream candidates.
// When disabled the system resolver is used.
type DNSConfig struct {
	Enabled bool
	Servers []DNSServerConfig
}

// DefaultDNSConfig returns the disabled configuration with two public
// resolvers prepared in case it gets enabled.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Enabled: false,
		Servers: []DNSServerConfig{
			{Address: "8.8.8.8:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
			{Address: "1.1.1.1:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
		},
	}
}
