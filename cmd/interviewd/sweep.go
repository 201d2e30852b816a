package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"interviewd/internal/app"
)

func newSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Complete every session past its deadline, score them and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := app.NewApplication(ctx, c.config, c.logger)
			if err != nil {
				return err
			}
			done, sweepErr := a.Sweep(ctx)
			if err := a.Stop(ctx); err != nil && sweepErr == nil {
				sweepErr = err
			}
			if sweepErr != nil {
				return sweepErr
			}

			fmt.Fprintf(cmd.OutOrStdout(), "completed %d expired session(s)\n", len(done))
			return nil
		},
	}
}
