package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment string
	Debug       bool
	HTTPPort    string
	ProxyAddr   string
	DataDir     string
	LogDir      string

	DatabasePath string
	StoreTimeout time.Duration

	Rules    RulesConfig
	Activity ActivityConfig

	RetentionWindow time.Duration
	SweepSchedule   string

	// NotifyURLs are shoutrrr service URLs that receive operator reports.
	NotifyURLs []string
}

// RulesConfig locates the rule documents and block page templates.
type RulesConfig struct {
	BlocklistPath     string
	HighRiskPath      string
	BlockTemplatePath string
	RiskAnalysisPath  string
	RefreshInterval   time.Duration
	ManagementHosts   []string
}

// ActivityConfig controls the write-ahead buffer shared by the proxy and the console.
type ActivityConfig struct {
	BufferPath     string
	BufferCapacity int

	// ReconcileInterval drains the buffer in the background. The default of
	// zero leaves draining to console reads.
	ReconcileInterval time.Duration
}

// MaxBufferCapacity bounds the write-ahead buffer.
const MaxBufferCapacity = 1000

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	dataDir := getEnv("SG_DATA_DIR", "data")

	cfg := Config{
		Environment:  getEnv("SG_ENV", "development"),
		Debug:        getEnvBool("SG_DEBUG", false),
		HTTPPort:     getEnv("SG_HTTP_PORT", "5555"),
		ProxyAddr:    getEnv("SG_PROXY_ADDR", ":8080"),
		DataDir:      dataDir,
		LogDir:       getEnv("SG_LOG_DIR", filepath.Join(dataDir, "logs")),
		DatabasePath: getEnv("SG_DB_PATH", filepath.Join(dataDir, "activity.db")),
		StoreTimeout: getEnvDuration("SG_STORE_TIMEOUT", 10*time.Second),
		Rules: RulesConfig{
			BlocklistPath:     getEnv("SG_BLOCKLIST_PATH", filepath.Join(dataDir, "blocklist.json")),
			HighRiskPath:      getEnv("SG_HIGH_RISK_PATH", filepath.Join(dataDir, "high_risk_domains.json")),
			BlockTemplatePath: getEnv("SG_BLOCK_TEMPLATE", filepath.Join("templates", "blocked.html")),
			RiskAnalysisPath:  getEnv("SG_RISK_TEMPLATE", filepath.Join("templates", "risk_analysis.html")),
			RefreshInterval:   getEnvDuration("SG_RULES_REFRESH", 5*time.Second),
			ManagementHosts:   getEnvList("SG_MANAGEMENT_HOSTS", []string{"localhost", "127.0.0.1"}),
		},
		Activity: ActivityConfig{
			BufferPath:        getEnv("SG_BUFFER_PATH", filepath.Join(os.TempDir(), "proxy_activity.json")),
			BufferCapacity:    getEnvInt("SG_BUFFER_CAPACITY", MaxBufferCapacity),
			ReconcileInterval: getEnvDuration("SG_RECONCILE_INTERVAL", 0),
		},
		RetentionWindow: getEnvDuration("SG_RETENTION", 7*24*time.Hour),
		SweepSchedule:   getEnv("SG_SWEEP_SCHEDULE", "@every 24h"),
		NotifyURLs:      getEnvList("SG_NOTIFY_URLS", nil),
	}

	if cfg.Activity.BufferCapacity <= 0 || cfg.Activity.BufferCapacity > MaxBufferCapacity {
		return Config{}, fmt.Errorf("SG_BUFFER_CAPACITY must be between 1 and %d, got %d", MaxBufferCapacity, cfg.Activity.BufferCapacity)
	}
	if cfg.Activity.ReconcileInterval < 0 {
		return Config{}, fmt.Errorf("SG_RECONCILE_INTERVAL must not be negative, got %s", cfg.Activity.ReconcileInterval)
	}
	if cfg.Rules.RefreshInterval <= 0 {
		return Config{}, fmt.Errorf("SG_RULES_REFRESH must be positive, got %s", cfg.Rules.RefreshInterval)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
