// Package config loads all runtime configuration from environment variables.
//
// Every field declares its mapping via struct tags:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() fills the struct through reflection — no hand-written per-field
// assignment.
package config

import (
	"github.com/mrorigo/acp2-gateway/pkg/util"
)

// Config is the process-wide configuration, one field per environment variable.
type Config struct {
	// HTTP surface
	HTTPAddr       string `env:"ACP2_HTTP_ADDR" default:":8080"`
	AuthToken      string `env:"ACP2_AUTH_TOKEN"`
	LogLevel       string `env:"ACP2_LOG_LEVEL" default:"INFO"`
	GinMode        string `env:"ACP2_GIN_MODE" default:"release"`
	TrustedProxies string `env:"ACP2_TRUSTED_PROXIES"`

	// Agent registry
	AgentsConfigPath string `env:"ACP2_AGENTS_CONFIG" default:"config/agents.json"`
	WorkspaceRoot    string `env:"ACP2_WORKSPACE_ROOT" default:"."`

	// Agent Connection process lifecycle (hard bounds from the design, overridable)
	RunCloseGraceMS      int `env:"ACP2_RUN_CLOSE_GRACE_MS" default:"1000" min:"1"`
	RunKillGraceMS       int `env:"ACP2_RUN_KILL_GRACE_MS" default:"2000" min:"1"`
	SessionWaitTimeoutMS int `env:"ACP2_SESSION_WAIT_TIMEOUT_MS" default:"5000" min:"1"`
	StderrRingLines      int `env:"ACP2_STDERR_RING_LINES" default:"200" min:"1"`

	// PostgreSQL (Session Store)
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`
}

// Load reads configuration from the environment (via reflection over struct tags).
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
