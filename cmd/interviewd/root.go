package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"interviewd/internal/config"
	"interviewd/internal/logger"
)

const appName = "interviewd"

// cli carries what every command needs once flags are parsed.
type cli struct {
	v       *viper.Viper
	cfgFile string

	config *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "interviewd runs timed AI interview sessions over WebSocket and REST",
		Long: `interviewd hosts live interview sessions: it keeps the transcript, asks the
AI service for the next question, completes sessions when their time budget
runs out and scores finished transcripts in the background.

Configuration comes from defaults, then the --config file, then INTERVIEWD_*
environment variables.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.init()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "a YAML or JSON config file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	_ = c.v.BindPFlag("log.debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = c.v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("json"))

	rootCmd.AddCommand(
		newServeCmd(c),
		newSweepCmd(c),
		newProfileCmd(c),
		newVersionCmd(),
	)
	return rootCmd
}

func (c *cli) init() error {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	l, err := logger.New(cfg.Log.JSON, cfg.Log.Debug)
	if err != nil {
		return fmt.Errorf("creating a logger: %w", err)
	}
	c.config = cfg
	c.logger = l
	return nil
}
