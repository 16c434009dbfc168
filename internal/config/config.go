// Package config defines the configuration structure for the credit ledger
// service. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to
// fail immediately on startup (fail fast).
package config

import "time"

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	// System metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"creditledger"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Database Database
	Credits  Credits

	// Build metadata (injected via ldflags, not env)
	Build BuildInfo
}

// Database holds connection and pool tuning parameters.
type Database struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // detect dead connections during failover
}

// Credits holds engine tuning knobs. The defaults match production behavior;
// they exist as configuration so staging can exercise edge cases without a
// rebuild.
type Credits struct {
	// AddonFallbackExpiry is how long an addon batch lives when the buyer
	// has no subscription period end to pin the expiry to.
	AddonFallbackExpiry time.Duration `envconfig:"CREDITS_ADDON_FALLBACK_EXPIRY" default:"720h"`

	// TrialPreviewAction is the single action name trial users may perform.
	TrialPreviewAction string `envconfig:"CREDITS_TRIAL_PREVIEW_ACTION" default:"preview_render" validate:"required"`
}

// BuildInfo carries linker-injected build metadata.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Linker-injected build metadata variables. Set at compile time via -ldflags:
//
//	go build -ldflags "-X creditledger/internal/config.version=1.2.3 \
//	    -X creditledger/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X creditledger/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Default values are used during local development when ldflags are not set.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo constructs a BuildInfo from the linker-injected globals.
func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}
