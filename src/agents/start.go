package agents

import (
	"fmt"

	"github.com/stake-plus/govwatch/src/agents/anita"
	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/agents/nana"
	"github.com/stake-plus/govwatch/src/agents/oxossi"
	"github.com/stake-plus/govwatch/src/agents/zumbi"
	"github.com/stake-plus/govwatch/src/config"
	"github.com/stake-plus/govwatch/src/logging"
)

// NewPool registers every enabled agent. Agents are built on first use. When
// agents are globally disabled the pool is empty.
func NewPool(cfg config.AgentsConfig, deps RuntimeDeps) (*Pool, error) {
	logger := logging.OrDiscard(deps.Logger).With("component", "agents")
	deps.Logger = logger
	pool := agentcore.NewPool()
	if !cfg.Enabled {
		logger.Info("agents: disabled via configuration")
		return pool, nil
	}

	if cfg.Zumbi.Enabled {
		zcfg := zumbi.Config{
			Providers:        cfg.Zumbi.Providers,
			ZThreshold:       cfg.Zumbi.ZThreshold,
			IQRMultiplier:    cfg.Zumbi.IQRMultiplier,
			QualityThreshold: cfg.Zumbi.QualityThreshold,
			MaxIterations:    cfg.Zumbi.MaxIterations,
		}
		if err := register(pool, zumbi.Describe(zcfg), func() agentcore.Agent { return zumbi.NewAgent(zcfg, deps) }); err != nil {
			return nil, err
		}
	} else {
		logger.Info("agents: contract agent disabled", "agent", zumbi.ID)
	}

	if cfg.Anita.Enabled {
		acfg := anita.Config{
			Providers:         cfg.Anita.Providers,
			SpectralThreshold: cfg.Anita.SpectralThreshold,
			MinEnergyShare:    cfg.Anita.MinEnergyShare,
			QualityThreshold:  cfg.Anita.QualityThreshold,
			MaxIterations:     cfg.Anita.MaxIterations,
		}
		if err := register(pool, anita.Describe(acfg), func() agentcore.Agent { return anita.NewAgent(acfg, deps) }); err != nil {
			return nil, err
		}
	} else {
		logger.Info("agents: spending agent disabled", "agent", anita.ID)
	}

	if cfg.Oxossi.Enabled {
		ocfg := oxossi.Config{
			Sources:          cfg.Oxossi.Sources,
			MaxSuppliers:     cfg.Oxossi.MaxSuppliers,
			Parallelism:      cfg.Oxossi.Parallelism,
			ConcentrationHHI: cfg.Oxossi.ConcentrationHHI,
			QualityThreshold: cfg.Oxossi.QualityThreshold,
			MaxIterations:    cfg.Oxossi.MaxIterations,
		}
		if err := register(pool, oxossi.Describe(ocfg), func() agentcore.Agent { return oxossi.NewAgent(ocfg, deps) }); err != nil {
			return nil, err
		}
	} else {
		logger.Info("agents: supplier agent disabled", "agent", oxossi.ID)
	}

	if cfg.Nana.Enabled {
		ncfg := nana.Config{
			MinSignals:       cfg.Nana.MinSignals,
			QualityThreshold: cfg.Nana.QualityThreshold,
			MaxIterations:    cfg.Nana.MaxIterations,
		}
		if err := register(pool, nana.Describe(ncfg), func() agentcore.Agent { return nana.NewAgent(ncfg, deps) }); err != nil {
			return nil, err
		}
	} else {
		logger.Info("agents: correlation agent disabled", "agent", nana.ID)
	}

	logger.Info("agents: registered", "count", len(pool.Capabilities()))
	return pool, nil
}

func register(pool *Pool, desc Descriptor, build func() agentcore.Agent) error {
	if err := pool.Register(desc, func() (agentcore.Agent, error) { return build(), nil }); err != nil {
		return fmt.Errorf("agents: %s: %w", desc.ID, err)
	}
	return nil
}
