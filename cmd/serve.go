package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					rt.logger.Warn("shutdown reported errors", zap.Error(cerr))
				}
			}()
			if err := a.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run daemon: %w", err)
			}
			rt.logger.Info("shutdown complete")
			return nil
		},
	}
}
