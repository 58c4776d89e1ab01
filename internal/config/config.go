// Package config loads the hub's tunables from environment variables:
// secrets and connection strings have no fallback, everything else does.
// A HubConfig is constructed once at startup and passed explicitly to
// every engine rather than read from package-level globals.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// HubConfig is the full set of dynamic-configuration tunables named in
// SPEC_FULL.md §9. Fields are grouped by whether a change takes effect
// immediately (RuntimeMutable) or only after a restart (the rest).
type HubConfig struct {
	DatabaseURL string
	Port        string
	AuthToken   string

	// Restart-only: these size internal data structures or change wire
	// behavior in ways that are unsafe to swap under load.
	MaxPathLength        int // routing.max_path_length, 1..8
	MaxPathsPerPayment   int // routing.max_paths_per_payment, 1..10
	ClearingMaxCycleLen  int // clearing.trigger_cycles_max_length, 3..6

	// Runtime-mutable per IsRuntimeMutable. Nothing in this repository
	// reloads configuration while running; changes take effect on restart.
	RoutingTimeout     time.Duration
	PrepareTimeout     time.Duration
	CommitTimeout      time.Duration
	MaxClockDrift      time.Duration
	MinClearingAmount  string // decimal string; parsed by callers needing decimal.Decimal

	ZeroSumCheckInterval     time.Duration
	TrustLimitCheckInterval  time.Duration
	DebtSymmetryCheckInterval time.Duration
	ChecksumInterval         time.Duration
	FullAuditInterval        time.Duration

	PeriodicClearingShortInterval time.Duration // length-5 sweep, hourly
	PeriodicClearingLongInterval  time.Duration // length-6 sweep, daily

	ClearingConsentTimeout time.Duration // explicit-consent proposal expiry
}

// runtimeMutableFields names which HubConfig fields are classed as
// changeable without a restart. No code here consults it apart from
// IsRuntimeMutable, and no config.changed event is emitted.
var runtimeMutableFields = map[string]bool{
	"RoutingTimeout":                true,
	"PrepareTimeout":                true,
	"CommitTimeout":                 true,
	"MaxClockDrift":                 true,
	"MinClearingAmount":             true,
	"ZeroSumCheckInterval":          true,
	"TrustLimitCheckInterval":       true,
	"DebtSymmetryCheckInterval":     true,
	"ChecksumInterval":              true,
	"FullAuditInterval":             true,
	"PeriodicClearingShortInterval": true,
	"PeriodicClearingLongInterval":  true,
	"ClearingConsentTimeout":        true,
}

// IsRuntimeMutable reports whether field may be changed without a restart.
func IsRuntimeMutable(field string) bool {
	return runtimeMutableFields[field]
}

// Load builds a HubConfig from the process environment. DATABASE_URL and
// HUB_AUTH_TOKEN are required; everything else has a sane default fallback.
func Load() *HubConfig {
	cfg := &HubConfig{
		DatabaseURL: requireEnv("DATABASE_URL"),
		Port:        getEnvOrDefault("PORT", "8080"),
		AuthToken:   requireEnv("HUB_AUTH_TOKEN"),

		MaxPathLength:       getEnvIntOrDefault("ROUTING_MAX_PATH_LENGTH", 6, 1, 8),
		MaxPathsPerPayment:  getEnvIntOrDefault("ROUTING_MAX_PATHS_PER_PAYMENT", 3, 1, 10),
		ClearingMaxCycleLen: getEnvIntOrDefault("CLEARING_TRIGGER_CYCLES_MAX_LENGTH", 4, 3, 6),

		RoutingTimeout:    getEnvDurationOrDefault("ROUTING_TIMEOUT_MS", 500*time.Millisecond),
		PrepareTimeout:    getEnvDurationOrDefault("PREPARE_TIMEOUT_MS", 3*time.Second),
		CommitTimeout:     getEnvDurationOrDefault("COMMIT_TIMEOUT_MS", 5*time.Second),
		MaxClockDrift:     getEnvDurationOrDefault("MAX_CLOCK_DRIFT_SECONDS_AS_MS", 300*time.Second),
		MinClearingAmount: getEnvOrDefault("CLEARING_MIN_AMOUNT", "0.01"),

		ZeroSumCheckInterval:      getEnvDurationOrDefault("INTEGRITY_ZERO_SUM_INTERVAL_MS", 5*time.Minute),
		TrustLimitCheckInterval:   getEnvDurationOrDefault("INTEGRITY_TRUST_LIMIT_INTERVAL_MS", 5*time.Minute),
		DebtSymmetryCheckInterval: getEnvDurationOrDefault("INTEGRITY_DEBT_SYMMETRY_INTERVAL_MS", 15*time.Minute),
		ChecksumInterval:          getEnvDurationOrDefault("INTEGRITY_CHECKSUM_INTERVAL_MS", time.Hour),
		FullAuditInterval:         getEnvDurationOrDefault("INTEGRITY_FULL_AUDIT_INTERVAL_MS", 24*time.Hour),

		PeriodicClearingShortInterval: getEnvDurationOrDefault("CLEARING_PERIODIC_SHORT_INTERVAL_MS", time.Hour),
		PeriodicClearingLongInterval:  getEnvDurationOrDefault("CLEARING_PERIODIC_LONG_INTERVAL_MS", 24*time.Hour),

		ClearingConsentTimeout: getEnvDurationOrDefault("CLEARING_CONSENT_TIMEOUT_MS", 5*time.Minute),
	}
	log.Printf("hub config loaded: routing timeout=%s prepare=%s commit=%s max_path_length=%d",
		cfg.RoutingTimeout, cfg.PrepareTimeout, cfg.CommitTimeout, cfg.MaxPathLength)
	return cfg
}

// requireEnv reads a required environment variable and exits if it is not set.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback, min, max int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("warning: invalid int for %s=%q, using default %d: %v", key, val, fallback, err)
		return fallback
	}
	if n < min || n > max {
		log.Printf("warning: %s=%d out of range [%d,%d], using default %d", key, n, min, max, fallback)
		return fallback
	}
	return n
}

func getEnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("warning: invalid duration(ms) for %s=%q, using default %s: %v", key, val, fallback, err)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate reports a descriptive error if the loaded configuration
// violates one of its declared ranges.
func Validate(cfg *HubConfig) error {
	if cfg.MaxPathLength < 1 || cfg.MaxPathLength > 8 {
		return fmt.Errorf("routing.max_path_length out of range: %d", cfg.MaxPathLength)
	}
	if cfg.MaxPathsPerPayment < 1 || cfg.MaxPathsPerPayment > 10 {
		return fmt.Errorf("routing.max_paths_per_payment out of range: %d", cfg.MaxPathsPerPayment)
	}
	if cfg.ClearingMaxCycleLen < 3 || cfg.ClearingMaxCycleLen > 6 {
		return fmt.Errorf("clearing.trigger_cycles_max_length out of range: %d", cfg.ClearingMaxCycleLen)
	}
	return nil
}
