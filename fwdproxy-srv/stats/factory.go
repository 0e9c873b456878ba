package stats

import (
	"fmt"
	"time"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/config"
)

const (
	DefaultSQLitePath    = "fwdproxy_stats.db"
	DefaultFlushInterval = 5 * time.Second
)

// NewCollector creates a statistics collector based on the provided
// configuration. Database backends are wrapped in a BufferedCollector.
func NewCollector(cfg config.StatisticsConfig) (Collector, error) {
	if !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var (
		collector Collector
		err       error
	)
	switch cfg.Backend {
	case "sqlite", "":
		path := cfg.SQLitePath
		if path == "" {
			path = DefaultSQLitePath
		}
		collector, err = NewSQLiteCollector(path)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case "memory":
		return NewMemoryCollector(), nil
	case "dummy":
		return NewDummyCollector(), nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}

	return NewBufferedCollectorWithInterval(collector, DefaultFlushInterval), nil
}
