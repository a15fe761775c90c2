package agents

import (
	"github.com/stake-plus/govwatch/src/agents/core"
)

// Aliases for callers that wire the pool without importing core.
type (
	Pool        = core.Pool
	Descriptor  = core.Descriptor
	RuntimeDeps = core.RuntimeDeps
	Reflector   = core.Reflector
)
