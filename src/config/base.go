// Package config assembles the service configuration. Values come from, in
// increasing precedence: built-in defaults, an optional YAML file, environment
// variables and the settings table.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/data"
	"github.com/stake-plus/govwatch/src/logging"
)

// Config is the complete service configuration.
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	HTTP         HTTPConfig         `yaml:"http"`
	Storage      StorageConfig      `yaml:"storage"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Federation   FederationConfig   `yaml:"federation"`
	Anomaly      anomaly.Config     `yaml:"anomaly"`
	Agents       AgentsConfig       `yaml:"agents"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// Load builds the configuration. path may be empty; db may be nil, in which
// case only the file and environment are consulted.
func Load(path string, db *gorm.DB, logger *slog.Logger) (Config, error) {
	logger = logging.OrDiscard(logger)
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if db != nil {
		if err := data.LoadSettings(db); err != nil {
			// Env fallbacks still apply.
			logger.Warn("config: settings table unavailable", "error", err)
		}
	}

	cfg.applyOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyOverrides() {
	c.LogLevel = GetSetting("log_level", "LOG_LEVEL", c.LogLevel)
	c.HTTP.applyOverrides()
	c.Storage.applyOverrides()
	c.Breaker.applyOverrides()
	c.Federation.applyOverrides()
	c.Agents.applyOverrides()
	c.Orchestrator.applyOverrides()
	if c.Federation.has(snapshotProvider) {
		c.Agents.addFallback(snapshotProvider)
	}

	c.Anomaly.ZThreshold = getFloatSetting("anomaly_z_threshold", "ANOMALY_Z_THRESHOLD", c.Anomaly.ZThreshold)
	c.Anomaly.IQRMultiplier = getFloatSetting("anomaly_iqr_multiplier", "ANOMALY_IQR_MULTIPLIER", c.Anomaly.IQRMultiplier)
	c.Anomaly.SpectralThreshold = getFloatSetting("anomaly_spectral_threshold", "ANOMALY_SPECTRAL_THRESHOLD", c.Anomaly.SpectralThreshold)
	if raw := GetSetting("anomaly_methods", "ANOMALY_METHODS", ""); raw != "" {
		var methods []anomaly.Method
		for _, m := range parseCSV(raw) {
			methods = append(methods, anomaly.Method(m))
		}
		c.Anomaly.Methods = methods
	}
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, p := range c.Federation.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case ProviderHTTP:
			if p.BaseURL == "" {
				return fmt.Errorf("config: provider %q has no base_url", p.Name)
			}
		case ProviderFile:
			if p.Dir == "" {
				return fmt.Errorf("config: provider %q has no dir", p.Name)
			}
		default:
			return fmt.Errorf("config: provider %q has unknown type %q", p.Name, p.Type)
		}
	}
	for agent, providers := range c.Agents.providerRefs() {
		for _, name := range providers {
			if !seen[name] {
				return fmt.Errorf("config: agent %s references unknown provider %q", agent, name)
			}
		}
	}
	for _, m := range c.Anomaly.Methods {
		switch m {
		case anomaly.MethodZScore, anomaly.MethodIQR, anomaly.MethodSpectral:
		default:
			return fmt.Errorf("config: unknown anomaly method %q", m)
		}
	}
	return nil
}

// GetSetting retrieves a setting with env fallback.
func GetSetting(name, envKey, defaultValue string) string {
	val := data.GetSetting(name)
	if val == "" && envKey != "" {
		val = os.Getenv(envKey)
	}
	if val == "" {
		val = defaultValue
	}
	return val
}

func getBoolSetting(settingKey, envKey string, defaultValue bool) bool {
	if v := data.GetSetting(settingKey); v != "" {
		return parseBoolDefault(v, defaultValue)
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v != "" {
			return parseBoolDefault(v, defaultValue)
		}
	}
	return defaultValue
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getIntSetting(settingKey, envKey string, defaultValue int) int {
	if raw := GetSetting(settingKey, envKey, ""); raw != "" {
		if val, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && val > 0 {
			return val
		}
	}
	return defaultValue
}

func getFloatSetting(settingKey, envKey string, defaultValue float64) float64 {
	if raw := GetSetting(settingKey, envKey, ""); raw != "" {
		if val, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && val > 0 {
			return val
		}
	}
	return defaultValue
}

// getDurationSetting accepts Go durations ("90s") or bare seconds ("90").
func getDurationSetting(settingKey, envKey string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(GetSetting(settingKey, envKey, ""))
	if raw == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getCSVSetting(settingKey, envKey string, defaultValue []string) []string {
	if raw := GetSetting(settingKey, envKey, ""); raw != "" {
		if parsed := parseCSV(raw); len(parsed) > 0 {
			return parsed
		}
	}
	return defaultValue
}

func parseCSV(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '|' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, strings.ToLower(trimmed))
		}
	}
	return out
}
