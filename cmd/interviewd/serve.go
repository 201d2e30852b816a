package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"interviewd/internal/app"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and the realtime channel (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

// serve runs until SIGINT or SIGTERM, then shuts down gracefully.
func (c *cli) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() { _ = c.logger.Sync() }()
	c.logger.Info("starting "+appName, zap.String("version", version), zap.String("addr", c.config.Addr()))

	a, err := app.NewApplication(ctx, c.config, c.logger)
	if err != nil {
		return err
	}
	return a.Serve(ctx)
}
