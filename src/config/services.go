package config

import (
	"os"
	"strings"
	"time"

	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/data"
)

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	// RateLimit caps API requests per second per client; zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

func (c *HTTPConfig) applyOverrides() {
	c.Addr = GetSetting("http_addr", "HTTP_ADDR", c.Addr)
	c.AllowedOrigins = getCSVSetting("http_allowed_origins", "HTTP_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.ReadTimeout = getDurationSetting("http_read_timeout", "HTTP_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getDurationSetting("http_write_timeout", "HTTP_WRITE_TIMEOUT", c.WriteTimeout)
	c.RateLimit = getFloatSetting("http_rate_limit", "HTTP_RATE_LIMIT", c.RateLimit)
	c.Burst = getIntSetting("http_burst", "HTTP_BURST", c.Burst)
}

// StorageConfig selects persistence and caching backends. An empty MySQLDSN
// keeps investigations in memory; an empty RedisURL disables the response cache.
type StorageConfig struct {
	MySQLDSN string        `yaml:"mysql_dsn"`
	RedisURL string        `yaml:"redis_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func (c *StorageConfig) applyOverrides() {
	if dsn, err := data.GetMySQLDSN(); err == nil {
		c.MySQLDSN = dsn
	}
	c.RedisURL = GetSetting("redis_url", "REDIS_URL", c.RedisURL)
	c.CacheTTL = getDurationSetting("cache_ttl", "CACHE_TTL", c.CacheTTL)
}

// BreakerConfig holds defaults for every provider breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

func (c *BreakerConfig) applyOverrides() {
	c.FailureThreshold = getIntSetting("breaker_failure_threshold", "BREAKER_FAILURE_THRESHOLD", c.FailureThreshold)
	c.Cooldown = getDurationSetting("breaker_cooldown", "BREAKER_COOLDOWN", c.Cooldown)
}

// Provider types.
const (
	ProviderHTTP = "http"
	ProviderFile = "file"
)

const snapshotProvider = "snapshots"

// ProviderConfig describes one external data source.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`
	// Dir holds <dataset>.json snapshots for file providers.
	Dir        string            `yaml:"dir"`
	Datasets   map[string]string `yaml:"datasets"`
	Headers    map[string]string `yaml:"headers"`
	ParamNames map[string]string `yaml:"param_names"`
	// APIKeyEnv names the environment variable holding the key sent in APIKeyHeader.
	APIKeyEnv    string  `yaml:"api_key_env"`
	APIKeyHeader string  `yaml:"api_key_header"`
	RateLimit    float64 `yaml:"rate_limit"`
	Burst        int     `yaml:"burst"`
	Retries      int     `yaml:"retries"`
	// Breaker overrides the default breaker settings when non-zero.
	Breaker BreakerConfig `yaml:"breaker"`
}

// APIKey resolves the key from the settings table or APIKeyEnv.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return GetSetting(strings.ToLower(p.APIKeyEnv), p.APIKeyEnv, "")
}

// FederationConfig configures the gateway and its providers.
type FederationConfig struct {
	CallTimeout time.Duration    `yaml:"call_timeout"`
	HTTPTimeout time.Duration    `yaml:"http_timeout"`
	Providers   []ProviderConfig `yaml:"providers"`
}

func (c *FederationConfig) applyOverrides() {
	c.CallTimeout = getDurationSetting("federation_call_timeout", "FEDERATION_CALL_TIMEOUT", c.CallTimeout)
	c.HTTPTimeout = getDurationSetting("federation_http_timeout", "FEDERATION_HTTP_TIMEOUT", c.HTTPTimeout)
	// A snapshot directory adds an offline provider for every dataset.
	if dir := GetSetting("snapshot_dir", "SNAPSHOT_DIR", ""); dir != "" {
		if _, err := os.Stat(dir); err == nil && !c.has(snapshotProvider) {
			c.Providers = append(c.Providers, ProviderConfig{Name: snapshotProvider, Type: ProviderFile, Dir: dir})
		}
	}
}

func (c FederationConfig) has(name string) bool {
	for _, p := range c.Providers {
		if p.Name == name {
			return true
		}
	}
	return false
}

// OrchestratorConfig bounds investigation execution.
type OrchestratorConfig struct {
	MaxConcurrency       int           `yaml:"max_concurrency"`
	StepTimeout          time.Duration `yaml:"step_timeout"`
	InvestigationTimeout time.Duration `yaml:"investigation_timeout"`
}

func (c *OrchestratorConfig) applyOverrides() {
	c.MaxConcurrency = getIntSetting("orchestrator_max_concurrency", "ORCHESTRATOR_MAX_CONCURRENCY", c.MaxConcurrency)
	c.StepTimeout = getDurationSetting("orchestrator_step_timeout", "ORCHESTRATOR_STEP_TIMEOUT", c.StepTimeout)
	c.InvestigationTimeout = getDurationSetting("orchestrator_investigation_timeout", "ORCHESTRATOR_INVESTIGATION_TIMEOUT", c.InvestigationTimeout)
}

const portalBaseURL = "https://api.portaldatransparencia.gov.br/api-de-dados"

// portalProvider describes one dataset family of the federal transparency portal.
func portalProvider(name string, datasets map[string]string) ProviderConfig {
	return ProviderConfig{
		Name:         name,
		Type:         ProviderHTTP,
		BaseURL:      portalBaseURL,
		Datasets:     datasets,
		APIKeyEnv:    "TRANSPARENCY_API_KEY",
		APIKeyHeader: "chave-api-dados",
		ParamNames: map[string]string{
			"agency":    "codigoOrgao",
			"page":      "pagina",
			"year":      "ano",
			"month":     "mesAno",
			"cnpj":      "cnpjSancionado",
			"cnpj_root": "cnpjSancionado",
			"supplier":  "cnpjFornecedor",
		},
		// The portal allows 90 requests per minute per key.
		RateLimit: 1.5,
		Burst:     3,
	}
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
			RateLimit:      10,
			Burst:          20,
		},
		Storage: StorageConfig{
			CacheTTL: 10 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Federation: FederationConfig{
			CallTimeout: 20 * time.Second,
			HTTPTimeout: 30 * time.Second,
			Providers: []ProviderConfig{
				portalProvider("transparencia", map[string]string{
					"contracts": "/contratos",
					"spending":  "/despesas/por-orgao",
				}),
				{
					Name:    "compras",
					Type:    ProviderHTTP,
					BaseURL: "https://compras.dados.gov.br",
					Datasets: map[string]string{
						"contracts": "/contratos/v1/contratos.json",
					},
					ParamNames: map[string]string{"agency": "uasg", "supplier": "cnpj_contratada"},
				},
				portalProvider("ceis", map[string]string{"sanctions": "/ceis"}),
				portalProvider("cnep", map[string]string{"sanctions": "/cnep"}),
				portalProvider("cepim", map[string]string{"sanctions": "/cepim"}),
			},
		},
		Anomaly: anomaly.DefaultConfig(),
		Agents:  defaultAgents(),
		Orchestrator: OrchestratorConfig{
			MaxConcurrency:       4,
			StepTimeout:          2 * time.Minute,
			InvestigationTimeout: 10 * time.Minute,
		},
	}
}
