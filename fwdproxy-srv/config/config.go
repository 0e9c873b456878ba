package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
)

const (
	// DefaultListenHost binds every IPv4 interface.
	DefaultListenHost = "0.0.0.0"
	// DefaultSelfHost is the host name the local responder answers for.
	DefaultSelfHost = "localhost"
	// DefaultMaxRequestSize bounds the single initial read of a session.
	DefaultMaxRequestSize = 8192
	// DefaultRelayBufferSize is the intermediate buffer of each relay direction.
	DefaultRelayBufferSize = 4096
)

// ForwardType selects how upstream connections are established.
type ForwardType string

const (
	ForwardTypeDirect      ForwardType = "direct"      // resolve and dial the target
	ForwardTypeSocks5      ForwardType = "socks5"      // tunnel through a SOCKS5 server
	ForwardTypeShadowsocks ForwardType = "shadowsocks" // tunnel through a shadowsocks server
)

// ForwardConfig describes the upstream path of proxied sessions.
type ForwardConfig struct {
	Type      ForwardType
	Address   string  // address of the SOCKS5/shadowsocks server
	Username  *string // SOCKS5 only
	Password  *string // SOCKS5 password or shadowsocks password
	Cipher    string  // shadowsocks cipher, e.g. AEAD_CHACHA20_POLY1305
	ForceIPv4 bool
}

// StatisticsConfig controls session statistics collection.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres, memory or dummy
	SQLitePath  string
	PostgresDSN string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenHost      string
	ListenPort      int
	SelfHost        string // host the local responder matches
	SelfPort        int    // port the local responder matches; 0 means ListenPort
	MaxRequestSize  int
	RelayBufferSize int
	TimeoutSeconds  int // 0 disables all deadlines
	LogLevel        string
	DNS             DNSConfig
	Forward         ForwardConfig
	Blocklist       []string
	Statistics      StatisticsConfig
}

// Default returns the configuration used when neither environment nor file
// override anything.
func Default() *Config {
	return &Config{
		ListenHost:      DefaultListenHost,
		SelfHost:        DefaultSelfHost,
		MaxRequestSize:  DefaultMaxRequestSize,
		RelayBufferSize: DefaultRelayBufferSize,
		DNS:             DefaultDNSConfig(),
		Forward:         ForwardConfig{Type: ForwardTypeDirect},
		Statistics: StatisticsConfig{
			Backend: "dummy",
		},
	}
}

// ListenAddress returns host:port for the listening socket.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// EffectiveSelfPort returns the port the local responder compares against.
func (c *Config) EffectiveSelfPort() int {
	if c.SelfPort != 0 {
		return c.SelfPort
	}
	return c.ListenPort
}

// Validate checks value ranges after all sources were applied.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen-port %d out of range", c.ListenPort)
	}
	if c.SelfPort < 0 || c.SelfPort > 65535 {
		return fmt.Errorf("self-port %d out of range", c.SelfPort)
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("max-request-size must be positive, got %d", c.MaxRequestSize)
	}
	if c.RelayBufferSize <= 0 {
		return fmt.Errorf("relay-buffer-size must be positive, got %d", c.RelayBufferSize)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout-seconds must not be negative, got %d", c.TimeoutSeconds)
	}
	switch c.Forward.Type {
	case ForwardTypeDirect, "":
	case ForwardTypeSocks5:
		if c.Forward.Address == "" {
			return fmt.Errorf("socks5 forward requires address field")
		}
	case ForwardTypeShadowsocks:
		if c.Forward.Address == "" || c.Forward.Cipher == "" || c.Forward.Password == nil {
			return fmt.Errorf("shadowsocks forward requires address, cipher and password fields")
		}
	default:
		return fmt.Errorf("unsupported forward type: %s", c.Forward.Type)
	}
	return nil
}

// LoadConfig loads configuration from the specified file path. An empty path
// yields defaults plus environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		data, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(configPath string) (map[string]any, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	ext := filepath.Ext(cleanPath)
	switch strings.ToLower(ext) {
	case ".json":
		return loadJSONFile(cleanPath)
	case ".hcl":
		return loadHCLFile(cleanPath)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func loadJSONFile(path string) (map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first so hyphenated keys and secrets can be handled
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// applyConfigMap maps a decoded JSON or HCL document onto cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := setField(data, "listen-host", &cfg.ListenHost); err != nil {
		return err
	}
	if err := setField(data, "listen-port", &cfg.ListenPort); err != nil {
		return err
	}
	if err := setField(data, "self-host", &cfg.SelfHost); err != nil {
		return err
	}
	if err := setField(data, "self-port", &cfg.SelfPort); err != nil {
		return err
	}
	if err := setField(data, "max-request-size", &cfg.MaxRequestSize); err != nil {
		return err
	}
	if err := setField(data, "relay-buffer-size", &cfg.RelayBufferSize); err != nil {
		return err
	}
	if err := setField(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := setField(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}

	if val, exists := data["blocklist"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("blocklist must be an array")
		}
		cfg.Blocklist = nil
		for i, entry := range list {
			ptr, err := parseValue[string](entry)
			if err != nil {
				return fmt.Errorf("blocklist entry at index %d must be a string: %w", i, err)
			}
			cfg.Blocklist = append(cfg.Blocklist, *ptr)
		}
	}

	if val, exists := data["dns"]; exists {
		dnsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("dns must be an object")
		}
		if err := parseDNSConfig(dnsMap, &cfg.DNS); err != nil {
			return err
		}
	}

	if val, exists := data["forward"]; exists {
		forwardMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("invalid forward format")
		}
		if err := parseForward(forwardMap, &cfg.Forward); err != nil {
			return err
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := setField(statsMap, "enabled", &cfg.Statistics.Enabled); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "backend", &cfg.Statistics.Backend); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "sqlite-path", &cfg.Statistics.SQLitePath); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "postgres-dsn", &cfg.Statistics.PostgresDSN); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	return nil
}

func parseForward(forwardMap map[string]any, fwd *ForwardConfig) error {
	forwardType, err := parseValue[string](forwardMap["type"])
	if err != nil {
		return fmt.Errorf("missing forward type")
	}

	next := ForwardConfig{Type: ForwardType(*forwardType)}
	switch next.Type {
	case ForwardTypeDirect:
	case ForwardTypeSocks5, ForwardTypeShadowsocks:
		address, err := parseValue[string](forwardMap["address"])
		if err != nil {
			return fmt.Errorf("%s forward requires address field", next.Type)
		}
		next.Address = *address

		if username, err := parseValue[string](forwardMap["username"]); err == nil {
			next.Username = username
		}
		if _, exists := forwardMap["password"]; exists {
			password, err := parseValue[string](forwardMap["password"])
			if err != nil {
				return fmt.Errorf("forward password: %w", err)
			}
			next.Password = password
		}
		if cipher, err := parseValue[string](forwardMap["cipher"]); err == nil {
			next.Cipher = *cipher
		}
	default:
		return fmt.Errorf("unsupported forward type: %s", *forwardType)
	}

	if err := setField(forwardMap, "force-ipv4", &next.ForceIPv4); err != nil {
		return err
	}

	*fwd = next
	return nil
}

func parseDNSConfig(dnsMap map[string]any, dns *DNSConfig) error {
	if err := setField(dnsMap, "enabled", &dns.Enabled); err != nil {
		return fmt.Errorf("dns: %w", err)
	}

	val, exists := dnsMap["servers"]
	if !exists {
		return nil
	}
	serverList, ok := val.([]any)
	if !ok {
		return fmt.Errorf("dns servers must be an array")
	}

	dns.Servers = nil
	for i, serverData := range serverList {
		serverMap, ok := serverData.(map[string]any)
		if !ok {
			return fmt.Errorf("dns server at index %d must be an object", i)
		}
		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		if err := setField(serverMap, "address", &server.Address); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
		var serverType string
		if err := setField(serverMap, "type", &serverType); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
		if serverType != "" {
			server.Type = DNSType(serverType)
		}
		if err := setField(serverMap, "timeout-seconds", &server.TimeoutSeconds); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
		if err := setField(serverMap, "tls-host", &server.TLSHost); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
		if err := server.Validate(); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
		dns.Servers = append(dns.Servers, server)
	}
	return nil
}

// setField assigns data[key] to *dst when the key is present.
func setField[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s must be a %T: %w", key, *dst, err)
	}
	*dst = *ptr
	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON and HCL numbers
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(s string) bool {
	return strings.EqualFold(s, "true") || s == "1"
}

func envInt(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, raw)
		return
	}
	*dst = v
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func loadConfigFromEnv(cfg *Config) {
	envString("FWDPROXY_LISTENHOST", &cfg.ListenHost)
	envInt("FWDPROXY_LISTENPORT", &cfg.ListenPort)
	envString("FWDPROXY_SELFHOST", &cfg.SelfHost)
	envInt("FWDPROXY_SELFPORT", &cfg.SelfPort)
	envInt("FWDPROXY_TIMEOUTSECONDS", &cfg.TimeoutSeconds)
	envInt("FWDPROXY_MAXREQUESTSIZE", &cfg.MaxRequestSize)
	envInt("FWDPROXY_RELAYBUFFERSIZE", &cfg.RelayBufferSize)
	envString("FWDPROXY_LOGLEVEL", &cfg.LogLevel)

	if forwardType := os.Getenv("FWDPROXY_FORWARD_TYPE"); forwardType != "" {
		cfg.Forward.Type = ForwardType(forwardType)
	}
	envString("FWDPROXY_FORWARD_ADDRESS", &cfg.Forward.Address)
	envString("FWDPROXY_FORWARD_CIPHER", &cfg.Forward.Cipher)
	if password := os.Getenv("FWDPROXY_FORWARD_PASSWORD"); password != "" {
		cfg.Forward.Password = &password
	}

	if enabled := os.Getenv("FWDPROXY_STATS_ENABLED"); enabled != "" {
		cfg.Statistics.Enabled = envBool(enabled)
	}
	envString("FWDPROXY_STATS_BACKEND", &cfg.Statistics.Backend)
	envString("FWDPROXY_STATS_SQLITEPATH", &cfg.Statistics.SQLitePath)
	envString("FWDPROXY_STATS_POSTGRESDSN", &cfg.Statistics.PostgresDSN)

	if blocklist := os.Getenv("FWDPROXY_BLOCKLIST"); blocklist != "" {
		cfg.Blocklist = nil
		for _, domain := range strings.Split(blocklist, ",") {
			if domain = strings.TrimSpace(domain); domain != "" {
				cfg.Blocklist = append(cfg.Blocklist, domain)
			}
		}
	}
}
