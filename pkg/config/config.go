// Package config resolves the engine's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
)

// Config is the engine's runtime configuration.
type Config struct {
	// ListenAddr is the status API bind address.
	ListenAddr string
	// LogLevel applies to every subsystem logger.
	LogLevel string
	// MaxHistory caps the in-memory run history.
	MaxHistory int
	// NetcatPort is the TCP port netcat transfers listen on.
	NetcatPort int
	// HistoryDriver and HistoryDSN select the optional durable history
	// database. Empty driver disables it.
	HistoryDriver string
	HistoryDSN    string
	// DefaultBandwidthLimit caps transfers that carry no per-task limit,
	// in KiB/s. Accepts humanized values such as "10M".
	DefaultBandwidthLimit int
}

// Load reads the configuration from REPL_* environment variables, applying
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    envOr("REPL_LISTEN_ADDR", ":8080"),
		LogLevel:      envOr("REPL_LOG_LEVEL", "info"),
		MaxHistory:    1000,
		NetcatPort:    8023,
		HistoryDriver: os.Getenv("REPL_HISTORY_DRIVER"),
		HistoryDSN:    os.Getenv("REPL_HISTORY_DSN"),
	}

	if v := os.Getenv("REPL_MAX_HISTORY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid REPL_MAX_HISTORY %q", v)
		}
		cfg.MaxHistory = n
	}

	if v := os.Getenv("REPL_NETCAT_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid REPL_NETCAT_PORT %q", v)
		}
		cfg.NetcatPort = n
	}

	if v := os.Getenv("REPL_BANDWIDTH_LIMIT"); v != "" {
		bytes, err := humanize.ParseBytes(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REPL_BANDWIDTH_LIMIT %q: %w", v, err)
		}
		cfg.DefaultBandwidthLimit = int(bytes / 1024)
	}

	if cfg.HistoryDriver != "" && cfg.HistoryDSN == "" {
		return nil, fmt.Errorf("REPL_HISTORY_DRIVER set but REPL_HISTORY_DSN is empty")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
