package config

import (
	"slices"
	"time"
)

// AgentsConfig exposes feature gates and knobs for the investigation agents.
type AgentsConfig struct {
	Enabled bool `yaml:"enabled"`
	// ReflectionDelay waits between reflection iterations.
	ReflectionDelay time.Duration `yaml:"reflection_delay"`

	Zumbi  ContractAgentConfig    `yaml:"zumbi"`
	Anita  SpendingAgentConfig    `yaml:"anita"`
	Oxossi SupplierAgentConfig    `yaml:"oxossi"`
	Nana   CorrelationAgentConfig `yaml:"nana"`
}

// Reflection settings shared by every agent. Zero values take the pool defaults.
type Reflection struct {
	QualityThreshold float64 `yaml:"quality_threshold"`
	MaxIterations    int     `yaml:"max_iterations"`
}

// ContractAgentConfig configures the contract price investigator.
type ContractAgentConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Providers     []string `yaml:"providers"`
	ZThreshold    float64  `yaml:"z_threshold"`
	IQRMultiplier float64  `yaml:"iqr_multiplier"`
	Reflection    `yaml:",inline"`
}

// SpendingAgentConfig configures the spending pattern analyst.
type SpendingAgentConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Providers         []string `yaml:"providers"`
	SpectralThreshold float64  `yaml:"spectral_threshold"`
	MinEnergyShare    float64  `yaml:"min_energy_share"`
	Reflection        `yaml:",inline"`
}

// SupplierAgentConfig configures the sanctions and concentration hunter.
type SupplierAgentConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Sources          []string `yaml:"sources"`
	MaxSuppliers     int      `yaml:"max_suppliers"`
	Parallelism      int      `yaml:"parallelism"`
	ConcentrationHHI float64  `yaml:"concentration_hhi"`
	Reflection       `yaml:",inline"`
}

// CorrelationAgentConfig configures the cross-agent correlator.
type CorrelationAgentConfig struct {
	Enabled    bool `yaml:"enabled"`
	MinSignals int  `yaml:"min_signals"`
	Reflection `yaml:",inline"`
}

func defaultAgents() AgentsConfig {
	return AgentsConfig{
		Enabled: true,
		Zumbi: ContractAgentConfig{
			Enabled:       true,
			Providers:     []string{"transparencia", "compras"},
			ZThreshold:    3.0,
			IQRMultiplier: 1.5,
		},
		Anita: SpendingAgentConfig{
			Enabled:           true,
			Providers:         []string{"transparencia"},
			SpectralThreshold: 4.0,
			MinEnergyShare:    0.05,
		},
		Oxossi: SupplierAgentConfig{
			Enabled:          true,
			Sources:          []string{"ceis", "cnep", "cepim"},
			MaxSuppliers:     25,
			Parallelism:      4,
			ConcentrationHHI: 0.25,
		},
		Nana: CorrelationAgentConfig{
			Enabled:    true,
			MinSignals: 2,
		},
	}
}

func (c *AgentsConfig) applyOverrides() {
	c.Enabled = getBoolSetting("enable_agents", "ENABLE_AGENTS", c.Enabled)
	c.ReflectionDelay = getDurationSetting("agents_reflection_delay", "AGENTS_REFLECTION_DELAY", c.ReflectionDelay)

	c.Zumbi.Enabled = getBoolSetting("enable_agent_zumbi", "ENABLE_AGENT_ZUMBI", c.Zumbi.Enabled)
	c.Zumbi.Providers = getCSVSetting("agents_zumbi_providers", "AGENTS_ZUMBI_PROVIDERS", c.Zumbi.Providers)
	c.Zumbi.ZThreshold = getFloatSetting("agents_zumbi_z_threshold", "AGENTS_ZUMBI_Z_THRESHOLD", c.Zumbi.ZThreshold)

	c.Anita.Enabled = getBoolSetting("enable_agent_anita", "ENABLE_AGENT_ANITA", c.Anita.Enabled)
	c.Anita.Providers = getCSVSetting("agents_anita_providers", "AGENTS_ANITA_PROVIDERS", c.Anita.Providers)

	c.Oxossi.Enabled = getBoolSetting("enable_agent_oxossi", "ENABLE_AGENT_OXOSSI", c.Oxossi.Enabled)
	c.Oxossi.Sources = getCSVSetting("agents_oxossi_sources", "AGENTS_OXOSSI_SOURCES", c.Oxossi.Sources)
	c.Oxossi.MaxSuppliers = getIntSetting("agents_oxossi_max_suppliers", "AGENTS_OXOSSI_MAX_SUPPLIERS", c.Oxossi.MaxSuppliers)

	c.Nana.Enabled = getBoolSetting("enable_agent_nana", "ENABLE_AGENT_NANA", c.Nana.Enabled)
	c.Nana.MinSignals = getIntSetting("agents_nana_min_signals", "AGENTS_NANA_MIN_SIGNALS", c.Nana.MinSignals)

	threshold := getFloatSetting("agents_quality_threshold", "AGENTS_QUALITY_THRESHOLD", 0)
	iterations := getIntSetting("agents_max_iterations", "AGENTS_MAX_ITERATIONS", 0)
	for _, r := range []*Reflection{&c.Zumbi.Reflection, &c.Anita.Reflection, &c.Oxossi.Reflection, &c.Nana.Reflection} {
		if threshold > 0 && threshold <= 1 {
			r.QualityThreshold = threshold
		}
		if iterations > 0 {
			r.MaxIterations = iterations
		}
	}
}

func (c AgentsConfig) providerRefs() map[string][]string {
	return map[string][]string{
		"zumbi":  c.Zumbi.Providers,
		"anita":  c.Anita.Providers,
		"oxossi": c.Oxossi.Sources,
	}
}

// addFallback appends provider as the last resort of every fetching agent.
func (c *AgentsConfig) addFallback(provider string) {
	for _, list := range []*[]string{&c.Zumbi.Providers, &c.Anita.Providers, &c.Oxossi.Sources} {
		if !slices.Contains(*list, provider) {
			*list = append(slices.Clone(*list), provider)
		}
	}
}
