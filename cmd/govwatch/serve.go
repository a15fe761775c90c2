package main

import (
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	if err := a.EnableHTTP(logger); err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	logger.Info("govwatch: serving", "addr", a.Addr())

	<-ctx.Done()
	logger.Info("govwatch: shutting down")
	stop(a, logger)
	return nil
}
