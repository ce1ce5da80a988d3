// Package config loads Hub configuration from environment variables, with
// an optional JSON file overlay, following spec.md §6's recognized options.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized Hub option (spec.md §6).
type Config struct {
	Port int

	HeartbeatTimeout  time.Duration
	MissionTimeout    time.Duration
	LockTTL           time.Duration
	SyncBudget        time.Duration
	ConsensusTimeout  time.Duration
	QuorumThreshold   float64
	MaxPreCheckRetries int
	EntropyThrottle   time.Duration

	TraceMaxEvents   int
	SnapshotMaxBytes int
	EnableSnapshots  bool
	ScreenshotMaxAge time.Duration

	ShadowDomEnabled  bool
	ShadowDomMaxDepth int

	AuraPredictiveWaitMs int
	GhostMode            bool

	Security SecurityConfig
	Network  NetworkConfig

	DataDir      string
	WebhookURL   string
}

// SecurityConfig groups auth/TLS options.
type SecurityConfig struct {
	AuthToken string
	SSL       struct {
		KeyPath  string
		CertPath string
	}
}

// NetworkConfig groups the chaos-injection knobs. They are loaded from the
// environment; no other part of the Hub reads them.
type NetworkConfig struct {
	Chaos struct {
		BlockPatterns []string
		LatencyMs     int
	}
}

// Default returns a Config populated with spec.md §6's documented defaults.
func Default() *Config {
	cfg := &Config{
		Port:                 8080,
		HeartbeatTimeout:     5000 * time.Millisecond,
		MissionTimeout:       180000 * time.Millisecond,
		LockTTL:              5000 * time.Millisecond,
		SyncBudget:           30000 * time.Millisecond,
		ConsensusTimeout:     5000 * time.Millisecond,
		QuorumThreshold:      1.0,
		MaxPreCheckRetries:   3,
		EntropyThrottle:      100 * time.Millisecond,
		TraceMaxEvents:       500,
		SnapshotMaxBytes:     100000,
		EnableSnapshots:      false,
		ScreenshotMaxAge:     86400000 * time.Millisecond,
		ShadowDomEnabled:     true,
		ShadowDomMaxDepth:    5,
		AuraPredictiveWaitMs: 1500,
		GhostMode:            false,
		DataDir:              ".",
	}
	return cfg
}

// Load builds the Config from defaults, then environment variables, then
// (if STARLIGHT_CONFIG_FILE is set) a JSON file overlay, in that order of
// increasing precedence. The JSON overlay uses plain field names matching
// the option table in spec.md §6, e.g. {"port": 9090, "quorumThreshold": 0.6}.
func Load() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)

	if path := os.Getenv("STARLIGHT_CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := getEnvInt("STARLIGHT_PORT"); v != nil {
		cfg.Port = *v
	}
	if v := getEnvDuration("STARLIGHT_HEARTBEAT_TIMEOUT"); v != nil {
		cfg.HeartbeatTimeout = *v
	}
	if v := getEnvDuration("STARLIGHT_MISSION_TIMEOUT"); v != nil {
		cfg.MissionTimeout = *v
	}
	if v := getEnvDuration("STARLIGHT_LOCK_TTL"); v != nil {
		cfg.LockTTL = *v
	}
	if v := getEnvDuration("STARLIGHT_SYNC_BUDGET"); v != nil {
		cfg.SyncBudget = *v
	}
	if v := getEnvDuration("STARLIGHT_CONSENSUS_TIMEOUT"); v != nil {
		cfg.ConsensusTimeout = *v
	}
	if v := getEnvFloat("STARLIGHT_QUORUM_THRESHOLD"); v != nil {
		cfg.QuorumThreshold = *v
	}
	if v := getEnvInt("STARLIGHT_MAX_PRECHECK_RETRIES"); v != nil {
		cfg.MaxPreCheckRetries = *v
	}
	if v := getEnvDuration("STARLIGHT_ENTROPY_THROTTLE"); v != nil {
		cfg.EntropyThrottle = *v
	}
	if v := getEnvInt("STARLIGHT_TRACE_MAX_EVENTS"); v != nil {
		cfg.TraceMaxEvents = *v
	}
	if v := getEnvInt("STARLIGHT_SNAPSHOT_MAX_BYTES"); v != nil {
		cfg.SnapshotMaxBytes = *v
	}
	if v := getEnvBool("STARLIGHT_ENABLE_SNAPSHOTS"); v != nil {
		cfg.EnableSnapshots = *v
	}
	if v := getEnvDuration("STARLIGHT_SCREENSHOT_MAX_AGE"); v != nil {
		cfg.ScreenshotMaxAge = *v
	}
	if v := getEnvBool("STARLIGHT_SHADOW_DOM_ENABLED"); v != nil {
		cfg.ShadowDomEnabled = *v
	}
	if v := getEnvInt("STARLIGHT_SHADOW_DOM_MAX_DEPTH"); v != nil {
		cfg.ShadowDomMaxDepth = *v
	}
	if v := getEnvInt("STARLIGHT_AURA_PREDICTIVE_WAIT_MS"); v != nil {
		cfg.AuraPredictiveWaitMs = *v
	}
	if v := getEnvBool("STARLIGHT_GHOST_MODE"); v != nil {
		cfg.GhostMode = *v
	}
	if v := os.Getenv("STARLIGHT_AUTH_TOKEN"); v != "" {
		cfg.Security.AuthToken = v
	}
	if v := os.Getenv("STARLIGHT_TLS_KEY_PATH"); v != "" {
		cfg.Security.SSL.KeyPath = v
	}
	if v := os.Getenv("STARLIGHT_TLS_CERT_PATH"); v != "" {
		cfg.Security.SSL.CertPath = v
	}
	if v := os.Getenv("STARLIGHT_CHAOS_BLOCK_PATTERNS"); v != "" {
		cfg.Network.Chaos.BlockPatterns = strings.Split(v, ",")
	}
	if v := getEnvInt("STARLIGHT_CHAOS_LATENCY_MS"); v != nil {
		cfg.Network.Chaos.LatencyMs = *v
	}
	if v := os.Getenv("STARLIGHT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STARLIGHT_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
}

// fileOverlay holds the subset of Config that the optional file overlay
// can set (shadow-DOM, security and network settings are not read from the
// file); only fields present in the file override what environment
// variables set.
type fileOverlay struct {
	Port                 *int     `json:"port"`
	HeartbeatTimeoutMs   *int     `json:"heartbeatTimeout"`
	MissionTimeoutMs     *int     `json:"missionTimeout"`
	LockTTLMs            *int     `json:"lockTTL"`
	SyncBudgetMs         *int     `json:"syncBudget"`
	ConsensusTimeoutMs   *int     `json:"consensusTimeout"`
	QuorumThreshold      *float64 `json:"quorumThreshold"`
	MaxPreCheckRetries   *int     `json:"maxPreCheckRetries"`
	EntropyThrottleMs    *int     `json:"entropyThrottle"`
	TraceMaxEvents       *int     `json:"traceMaxEvents"`
	SnapshotMaxBytes     *int     `json:"snapshotMaxBytes"`
	EnableSnapshots      *bool    `json:"enableSnapshots"`
	ScreenshotMaxAgeMs   *int     `json:"screenshotMaxAge"`
	AuraPredictiveWaitMs *int     `json:"auraPredictiveWaitMs"`
	GhostMode            *bool    `json:"ghostMode"`
	DataDir              *string  `json:"dataDir"`
	WebhookURL           *string  `json:"webhookURL"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay fileOverlay
	if err := json.Unmarshal(data, &overlay); err != nil {
		return err
	}
	if overlay.Port != nil {
		cfg.Port = *overlay.Port
	}
	if overlay.HeartbeatTimeoutMs != nil {
		cfg.HeartbeatTimeout = time.Duration(*overlay.HeartbeatTimeoutMs) * time.Millisecond
	}
	if overlay.MissionTimeoutMs != nil {
		cfg.MissionTimeout = time.Duration(*overlay.MissionTimeoutMs) * time.Millisecond
	}
	if overlay.LockTTLMs != nil {
		cfg.LockTTL = time.Duration(*overlay.LockTTLMs) * time.Millisecond
	}
	if overlay.SyncBudgetMs != nil {
		cfg.SyncBudget = time.Duration(*overlay.SyncBudgetMs) * time.Millisecond
	}
	if overlay.ConsensusTimeoutMs != nil {
		cfg.ConsensusTimeout = time.Duration(*overlay.ConsensusTimeoutMs) * time.Millisecond
	}
	if overlay.QuorumThreshold != nil {
		cfg.QuorumThreshold = *overlay.QuorumThreshold
	}
	if overlay.MaxPreCheckRetries != nil {
		cfg.MaxPreCheckRetries = *overlay.MaxPreCheckRetries
	}
	if overlay.EntropyThrottleMs != nil {
		cfg.EntropyThrottle = time.Duration(*overlay.EntropyThrottleMs) * time.Millisecond
	}
	if overlay.TraceMaxEvents != nil {
		cfg.TraceMaxEvents = *overlay.TraceMaxEvents
	}
	if overlay.SnapshotMaxBytes != nil {
		cfg.SnapshotMaxBytes = *overlay.SnapshotMaxBytes
	}
	if overlay.EnableSnapshots != nil {
		cfg.EnableSnapshots = *overlay.EnableSnapshots
	}
	if overlay.ScreenshotMaxAgeMs != nil {
		cfg.ScreenshotMaxAge = time.Duration(*overlay.ScreenshotMaxAgeMs) * time.Millisecond
	}
	if overlay.AuraPredictiveWaitMs != nil {
		cfg.AuraPredictiveWaitMs = *overlay.AuraPredictiveWaitMs
	}
	if overlay.GhostMode != nil {
		cfg.GhostMode = *overlay.GhostMode
	}
	if overlay.DataDir != nil {
		cfg.DataDir = *overlay.DataDir
	}
	if overlay.WebhookURL != nil {
		cfg.WebhookURL = *overlay.WebhookURL
	}
	return nil
}

// Validate checks invariants the rest of the Hub assumes hold.
func (c *Config) Validate() error {
	var errs []string
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.QuorumThreshold < 0 || c.QuorumThreshold > 1 {
		errs = append(errs, "quorumThreshold must be between 0 and 1")
	}
	if c.MaxPreCheckRetries < 0 {
		errs = append(errs, "maxPreCheckRetries must be >= 0")
	}
	if c.ShadowDomMaxDepth < 0 {
		errs = append(errs, "shadowDom.maxDepth must be >= 0")
	}
	if (c.Security.SSL.KeyPath == "") != (c.Security.SSL.CertPath == "") {
		errs = append(errs, "security.ssl.keyPath and certPath must both be set or both empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TLSEnabled reports whether TLS certificate paths are configured.
func (c *Config) TLSEnabled() bool {
	return c.Security.SSL.KeyPath != "" && c.Security.SSL.CertPath != ""
}

// AuthEnabled reports whether a shared registration token is configured.
func (c *Config) AuthEnabled() bool {
	return c.Security.AuthToken != ""
}

func getEnvInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func getEnvFloat(key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func getEnvBool(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func getEnvDuration(key string) *time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	d := time.Duration(ms) * time.Millisecond
	return &d
}
