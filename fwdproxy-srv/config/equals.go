package config

import "slices"

// HasChanged returns true if the configuration has changed compared to another config.
// All fields are compared explicitly.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenHost != b.ListenHost ||
		a.ListenPort != b.ListenPort ||
		a.SelfHost != b.SelfHost ||
		a.SelfPort != b.SelfPort ||
		a.MaxRequestSize != b.MaxRequestSize ||
		a.RelayBufferSize != b.RelayBufferSize ||
		a.TimeoutSeconds != b.TimeoutSeconds ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if !dnsEqual(a.DNS, b.DNS) {
		return true
	}
	if !forwardEqual(a.Forward, b.Forward) {
		return true
	}
	if !slices.Equal(a.Blocklist, b.Blocklist) {
		return true
	}
	return a.Statistics != b.Statistics
}

// RequiresRestart reports whether moving from a to b changes the listening
// socket or the statistics backend, which cannot be swapped on a running proxy.
func RequiresRestart(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.ListenHost != b.ListenHost ||
		a.ListenPort != b.ListenPort ||
		a.Statistics != b.Statistics
}

func dnsEqual(a, b DNSConfig) bool {
	return a.Enabled == b.Enabled && slices.Equal(a.Servers, b.Servers)
}

func forwardEqual(a, b ForwardConfig) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		a.Cipher == b.Cipher &&
		a.ForceIPv4 == b.ForceIPv4 &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
