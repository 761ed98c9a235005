package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	ServerDBPath    string
	ProjectDataDir  string
	ShutdownTimeout time.Duration
	AllowSignup     bool
	BaseURL         string
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	RateLimitAuth  int // /auth/* per IP per minute (default: 10)
	RateLimitPush  int // /sync/push per API key per minute (default: 60)
	RateLimitPull  int // /sync/changes per API key per minute (default: 120)
	RateLimitOther int // all other per API key per minute (default: 300)

	CORSAllowedOrigins []string // allowed origins for admin CORS; empty = disabled

	AuthEventRetention      time.Duration // retention period for auth events (default: 90 days)
	RateLimitEventRetention time.Duration // retention period for rate limit events (default: 30 days)

	// LedgerSignerSecret seeds every project's block-signing keypair
	// (internal/ledger.NewKeySigner), one HKDF derivation per project ID.
	LedgerSignerSecret []byte

	SyncV2Enforce  bool // reject pulls below pullproducer.SupportedProtocolVersion
	PullPageDefault int
	PullPageMax     int

	DriftThreshold float64 // consistency.Thresholds.DriftAbs override

	Autoheal AutohealConfig
}

// AutohealConfig mirrors spec §6's AUTOHEAL_* environment variables.
type AutohealConfig struct {
	Enabled                   bool
	CooldownMS                int64
	SameFingerprintCooldownMS int64
	MaxActionsPer24h          int
	MaxDeepRepairPer24h       int
	ObserveRatio              float64
	DegradedRatio             float64
	CriticalRatio             float64
	ResetConsecutive          int
	CriticalConsecutive       int
	ForcePullConsecutive      int
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		ServerDBPath:    "./data/server.db",
		ProjectDataDir:  "./data/projects",
		ShutdownTimeout: 30 * time.Second,
		AllowSignup:     true,
		BaseURL:         "http://localhost:8080",
		LogFormat:       "json",
		LogLevel:        "info",

		RateLimitAuth:  10,
		RateLimitPush:  60,
		RateLimitPull:  120,
		RateLimitOther: 300,

		AuthEventRetention:      90 * 24 * time.Hour,
		RateLimitEventRetention: 30 * 24 * time.Hour,

		SyncV2Enforce:   false,
		PullPageDefault: 5000,
		PullPageMax:     20000,
		DriftThreshold:  1,

		Autoheal: AutohealConfig{
			Enabled:                   true,
			CooldownMS:                15 * 60 * 1000,
			SameFingerprintCooldownMS: 6 * 60 * 60 * 1000,
			MaxActionsPer24h:          3,
			MaxDeepRepairPer24h:       1,
			ObserveRatio:              0.08,
			DegradedRatio:             0.15,
			CriticalRatio:             0.35,
			ResetConsecutive:          4,
			CriticalConsecutive:       2,
			ForcePullConsecutive:      8,
		},
	}

	if v := os.Getenv("SYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SYNC_SERVER_DB_PATH"); v != "" {
		cfg.ServerDBPath = v
	}
	if v := os.Getenv("SYNC_PROJECT_DATA_DIR"); v != "" {
		cfg.ProjectDataDir = v
	}
	if v := os.Getenv("SYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("SYNC_ALLOW_SIGNUP"); v == "false" || v == "0" {
		cfg.AllowSignup = false
	}
	if v := os.Getenv("SYNC_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("SYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("SYNC_RATE_LIMIT_AUTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitAuth = n
		}
	}
	if v := os.Getenv("SYNC_RATE_LIMIT_PUSH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPush = n
		}
	}
	if v := os.Getenv("SYNC_RATE_LIMIT_PULL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPull = n
		}
	}
	if v := os.Getenv("SYNC_RATE_LIMIT_OTHER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitOther = n
		}
	}

	if v := os.Getenv("SYNC_AUTH_EVENT_RETENTION"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.AuthEventRetention = d
		}
	}
	if v := os.Getenv("SYNC_RATE_LIMIT_EVENT_RETENTION"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.RateLimitEventRetention = d
		}
	}

	if v := os.Getenv("SYNC_CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for _, o := range origins {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	if v := os.Getenv("LEDGER_SIGNER_SECRET"); v != "" {
		cfg.LedgerSignerSecret = []byte(v)
	}

	if v := os.Getenv("SYNC_V2_ENFORCE"); v == "1" || v == "true" {
		cfg.SyncV2Enforce = true
	}
	if v := os.Getenv("SYNC_PULL_PAGE_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PullPageDefault = n
		}
	}
	if v := os.Getenv("SYNC_PULL_PAGE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PullPageMax = n
		}
	}
	if v := os.Getenv("DRIFT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.DriftThreshold = f
		}
	}

	if v := os.Getenv("AUTOHEAL_ENABLED"); v == "false" || v == "0" {
		cfg.Autoheal.Enabled = false
	}
	if v := os.Getenv("AUTOHEAL_COOLDOWN_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Autoheal.CooldownMS = n
		}
	}
	if v := os.Getenv("AUTOHEAL_SAME_FINGERPRINT_COOLDOWN_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Autoheal.SameFingerprintCooldownMS = n
		}
	}
	if v := os.Getenv("AUTOHEAL_MAX_ACTIONS_PER_24H"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Autoheal.MaxActionsPer24h = n
		}
	}
	if v := os.Getenv("AUTOHEAL_MAX_DEEP_REPAIR_PER_24H"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Autoheal.MaxDeepRepairPer24h = n
		}
	}
	if v := os.Getenv("AUTOHEAL_OBSERVE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Autoheal.ObserveRatio = f
		}
	}
	if v := os.Getenv("AUTOHEAL_DEGRADED_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Autoheal.DegradedRatio = f
		}
	}
	if v := os.Getenv("AUTOHEAL_CRITICAL_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Autoheal.CriticalRatio = f
		}
	}
	if v := os.Getenv("AUTOHEAL_RESET_CONSECUTIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Autoheal.ResetConsecutive = n
		}
	}
	if v := os.Getenv("AUTOHEAL_CRITICAL_CONSECUTIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Autoheal.CriticalConsecutive = n
		}
	}
	if v := os.Getenv("AUTOHEAL_FORCE_PULL_CONSECUTIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Autoheal.ForcePullConsecutive = n
		}
	}

	return cfg
}

// parseDaysDuration parses a string like "90d", "30d" into a time.Duration.
// Falls back to time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		if n, err := strconv.Atoi(numStr); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
