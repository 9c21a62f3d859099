// Package config loads the gateway's configuration via chu, the same
// YAML+environment-override loader the teacher codebase uses throughout
// the rakunlabs stack.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

// Config is the root configuration object, enumerated in spec.md §6.
type Config struct {
	LogLevel    string      `cfg:"log_level,no_prefix" default:"info"`
	LogRotation LogRotation `cfg:"log_rotation"`

	// APIKey must be "sk-" followed by >=32 hex characters; startup fails
	// otherwise (spec.md §6).
	APIKey string `cfg:"api_key" log:"-"`

	ListenPort string `cfg:"listen_port" default:"8080"`

	// AllowedOrigins is the CORS allow-list. When empty, Load sets it to
	// http://localhost:3000 and http://127.0.0.1:3000; the host's own
	// network address is not added.
	AllowedOrigins []string `cfg:"allowed_origins"`

	// WebUIAuthEnabled, when true, enables browser-optional auth on
	// optional-auth endpoints (spec.md §4.1).
	WebUIAuthEnabled bool `cfg:"webui_auth_enabled" default:"false"`

	BackendTimeoutSeconds int `cfg:"backend_timeout_seconds" default:"300"`
	ProbeTTLSeconds       int `cfg:"probe_ttl_seconds" default:"2"`
	StuckThresholdSeconds int `cfg:"stuck_threshold_seconds" default:"90"`

	// VRAMUtilizationMultiplier scales approx_weights_gb into a resident
	// VRAM estimate (spec.md §3/§6, default 0.85).
	VRAMUtilizationMultiplier float64 `cfg:"vram_utilization_multiplier" default:"0.85"`

	Registry  Registry    `cfg:"registry"`
	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// LogRotation bounds the structured log files the gateway emits.
type LogRotation struct {
	MaxDays    int     `cfg:"max_days" default:"7"`
	MaxTotalGB float64 `cfg:"max_total_gb" default:"1"`
}

// Registry configures the Model Registry's YAML source file.
type Registry struct {
	Path string `cfg:"path" default:"models.yaml"`
}

type Server struct {
	BasePath string `cfg:"base_path"`
	Port     string `cfg:"port" default:"8080"`
	Host     string `cfg:"host"`

	// AdminToken, if set, registers GET /v1/usage and protects it with
	// bearer token authentication; when empty, /v1/usage is not served.
	// Model start/stop use the regular API key, not this token.
	AdminToken string `cfg:"admin_token" log:"-"`
}

// Store configures the optional accounting/audit log backing store
// (switch tickets and request log, SPEC_FULL.md §13.4). Defaults to "none"
// (in-memory, non-persistent).
type Store struct {
	Type     string         `cfg:"type" default:"none"` // none | sqlite | postgres
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`
}

type StorePostgres struct {
	Datasource string `cfg:"datasource" log:"-"`
	Schema     string `cfg:"schema"`
}

type StoreSQLite struct {
	Datasource string `cfg:"datasource" default:"gateway.db"`
}

// Load reads configuration from path, applying GW_-prefixed environment
// overrides, and validates the invariants spec.md §6 enumerates.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("GW_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	if err := validateAPIKey(cfg.APIKey); err != nil {
		return nil, err
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// validateAPIKey enforces spec.md §6: "sk-" followed by >=32 hex chars.
func validateAPIKey(key string) error {
	const prefix = "sk-"
	if !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("api_key must start with %q", prefix)
	}
	hex := strings.TrimPrefix(key, prefix)
	if len(hex) < 32 {
		return fmt.Errorf("api_key must have at least 32 hex characters after %q", prefix)
	}
	for _, r := range hex {
		if !isHexChar(r) {
			return fmt.Errorf("api_key must be hex after %q, got %q", prefix, r)
		}
	}
	return nil
}

func isHexChar(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
