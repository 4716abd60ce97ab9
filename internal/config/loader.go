package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "magnetar.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "MAGNETAR_PORT")
	setString(&cfg.Server.CORSOrigin, "MAGNETAR_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MAGNETAR_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MAGNETAR_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MAGNETAR_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MAGNETAR_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MAGNETAR_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setDuration(&cfg.NATS.ActionTimeout, "MAGNETAR_ACTION_TIMEOUT")
	setString(&cfg.Logging.Level, "MAGNETAR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MAGNETAR_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "MAGNETAR_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "MAGNETAR_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MAGNETAR_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "MAGNETAR_RATE_RPS")
	setInt(&cfg.Rate.Burst, "MAGNETAR_RATE_BURST")
	setInt64(&cfg.Cache.MaxSizeMB, "MAGNETAR_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.SnapshotTTL, "MAGNETAR_CACHE_SNAPSHOT_TTL")
	setString(&cfg.Cache.L2Bucket, "MAGNETAR_CACHE_L2_BUCKET")

	// Completion client roles
	loadClientEnv(&cfg.Clients.Orchestrator, "ORCHESTRATOR")
	loadClientEnv(&cfg.Clients.Coder, "CODER")
	loadClientEnv(&cfg.Clients.WebSurfer, "WEB_SURFER")
	loadClientEnv(&cfg.Clients.FileSurfer, "FILE_SURFER")
	loadClientEnv(&cfg.Clients.ActionGuard, "ACTION_GUARD")

	// Orchestrator
	setInt(&cfg.Orchestrator.MaxRetries, "MAGNETAR_ORCH_MAX_RETRIES")
	setInt(&cfg.Orchestrator.TurnLimit, "MAGNETAR_ORCH_TURN_LIMIT")
	setBool(&cfg.Orchestrator.ReplanningEnabled, "MAGNETAR_ORCH_REPLANNING")
	setBool(&cfg.Orchestrator.CoPlanningEnabled, "MAGNETAR_ORCH_COPLANNING")
	setInt(&cfg.Orchestrator.MaxConcurrent, "MAGNETAR_ORCH_MAX_CONCURRENT")

	// Guard
	setString(&cfg.Guard.PolicyMode, "MAGNETAR_GUARD_POLICY")
	setString(&cfg.Guard.WebsiteMode, "MAGNETAR_GUARD_WEBSITE_POLICY")
	setStringSlice(&cfg.Guard.AllowedHosts, "MAGNETAR_GUARD_ALLOWED_HOSTS")
	setDuration(&cfg.Guard.ApprovalWait, "MAGNETAR_GUARD_APPROVAL_WAIT")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "MAGNETAR_OTEL_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "MAGNETAR_OTEL_ENDPOINT")

	// Auth + MCP
	setString(&cfg.Auth.APIKeyHash, "MAGNETAR_API_KEY_HASH")
	setBool(&cfg.MCP.Enabled, "MAGNETAR_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "MAGNETAR_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "MAGNETAR_MCP_API_KEY")
}

// loadClientEnv overlays one client role from MAGNETAR_<ROLE>_* variables.
func loadClientEnv(c *Client, role string) {
	setString(&c.Provider, "MAGNETAR_"+role+"_PROVIDER")
	setString(&c.Model, "MAGNETAR_"+role+"_MODEL")
	setString(&c.APIKey, "MAGNETAR_"+role+"_API_KEY")
	setString(&c.BaseURL, "MAGNETAR_"+role+"_BASE_URL")
	setInt(&c.MaxRetries, "MAGNETAR_"+role+"_MAX_RETRIES")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Orchestrator.MaxRetries < 0 {
		return errors.New("orchestrator.max_retries must be >= 0")
	}
	if cfg.Orchestrator.TurnLimit < 1 {
		return errors.New("orchestrator.turn_limit must be >= 1")
	}
	switch cfg.Guard.PolicyMode {
	case "never_require_approval", "always_require_approval", "ai_judged":
	default:
		return fmt.Errorf("guard.policy_mode %q is not a known mode", cfg.Guard.PolicyMode)
	}
	switch cfg.Guard.WebsiteMode {
	case "all_allowed", "restricted_to_list":
	default:
		return fmt.Errorf("guard.website_mode %q is not a known mode", cfg.Guard.WebsiteMode)
	}
	if cfg.Guard.WebsiteMode == "restricted_to_list" && len(cfg.Guard.AllowedHosts) == 0 {
		return errors.New("guard.allowed_hosts is required when website_mode is restricted_to_list")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
