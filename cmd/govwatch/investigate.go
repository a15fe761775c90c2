package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/orchestrator"
)

func runInvestigate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	if investigateTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, investigateTimeout)
		defer cancelTimeout()
	}

	a, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer stop(a, logger)

	text := investigateQuery
	if text == "" {
		text = strings.Join(args, " ")
	}
	inv, err := a.Service.Run(ctx, orchestrator.Query{
		Text:   text,
		Intent: orchestrator.Intent(investigateIntent),
		Params: investigateParams,
	}, agentcore.Caller{UserID: investigateUser})
	if err != nil {
		return err
	}
	logger.Info("govwatch: investigation finished",
		"id", inv.ID,
		"status", inv.Status,
		"anomalies", len(inv.Anomalies),
	)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(inv)
}
