package middleware

import (
	"time"

	"github.com/cohortbase-io/cohortbase/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for two tiers:
//   - Global: applied to all requests
//   - Client: applied per client (X-Client-ID header, else the remote IP)
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	Enabled bool // Default: true

	GlobalRPS int // Default: 100
	ClientRPS int // Default: 20

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate)
	GlobalBurst int
	ClientBurst int

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 10,000
}

// LoadConfig loads rate limiter config from COHORTBASE_RATE_LIMIT_* environment variables.
func LoadConfig() *Config {
	return &Config{
		Enabled:     config.GetEnvBool("COHORTBASE_RATE_LIMIT_ENABLED", true),
		GlobalRPS:   config.GetEnvInt("COHORTBASE_RATE_LIMIT_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS:   config.GetEnvInt("COHORTBASE_RATE_LIMIT_CLIENT_RPS", defaultClientRPS),
		GlobalBurst: config.GetEnvInt("COHORTBASE_RATE_LIMIT_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("COHORTBASE_RATE_LIMIT_CLIENT_BURST", 0),
		CleanupInterval: config.GetEnvDuration(
			"COHORTBASE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("COHORTBASE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("COHORTBASE_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
