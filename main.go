package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/config"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/proxy"
)

var version string

type options struct {
	configPath string
	port       int
	debug      bool
}

func main() {
	opts := parseFlags(os.Args[1:])
	cfg := loadConfig(opts)
	runProxy(cfg, opts)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <port>\n\nFlags:\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

// parseFlags handles CLI flags, the positional port and the env file.
func parseFlags(args []string) options {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPath := flag.String("config", "", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = usage
	_ = flag.CommandLine.Parse(args)

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("fwdproxy version:", version)
		os.Exit(0)
	}

	port, err := parsePort(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		usage()
		os.Exit(1)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	return options{configPath: *configPath, port: port, debug: *debugMode}
}

func parsePort(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one port argument, got %d", len(args))
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", args[0])
	}
	return port, nil
}

// loadConfig reads the configuration and applies the command line on top.
func loadConfig(opts options) *config.Config {
	if opts.configPath != "" {
		logger.Debug("Using configuration file: %s", opts.configPath)
	}
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	cfg.ListenPort = opts.port
	applyLogLevel(cfg, opts)

	logger.Debug("Listening on %s, local responder %s:%d", cfg.ListenAddress(), cfg.SelfHost, cfg.EffectiveSelfPort())
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	return cfg
}

func applyLogLevel(cfg *config.Config, opts options) {
	switch {
	case opts.debug:
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	case cfg.LogLevel != "":
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, opts options) {
	logger.Info("Starting fwdproxy on port %d", cfg.ListenPort)

	proxyInstance := newProxy(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	startProxy := func(p *proxy.Proxy) {
		go func() {
			if err := p.Start(); err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
		}()
	}

	startProxy(proxyInstance)
	currentCfg := cfg

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			newCfg.ListenPort = opts.port
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; not restarting proxy.")
				continue
			}
			applyLogLevel(newCfg, opts)

			if !config.RequiresRestart(currentCfg, newCfg) {
				if err := proxyInstance.Reload(newCfg); err != nil {
					logger.Error("Failed to apply new config: %v (keeping current config)", err)
					continue
				}
				currentCfg = newCfg
				logger.Info("Configuration reloaded.")
				continue
			}

			logger.Info("Listener or statistics changed. Restarting proxy...")
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error stopping proxy for reload: %v", err)
			}
			proxyInstance = newProxy(newCfg)
			startProxy(proxyInstance)
			currentCfg = newCfg
			logger.Info("Proxy restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error during shutdown: %v", err)
			}
			logger.Info("Proxy server shutdown complete")
			return
		}
	}
}

func newProxy(cfg *config.Config) *proxy.Proxy {
	p, err := proxy.NewProxy(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize proxy: %v", err)
	}
	return p
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
