package core

import (
	"log/slog"

	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/federation"
	"github.com/stake-plus/govwatch/src/telemetry"
)

// RuntimeDeps captures shared resources that agents can opt into.
type RuntimeDeps struct {
	Gateway *federation.Gateway
	Engine  *anomaly.Engine
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}
