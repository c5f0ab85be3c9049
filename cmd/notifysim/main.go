package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/schoolconsole/notify-engine/config"
	"github.com/schoolconsole/notify-engine/internal/simulator"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "notifysim",
		Short:         "Development push simulator for the notification engine",
		Version:       simulator.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg *config.Config
				err error
			)
			if configPath != "" {
				cfg, err = config.LoadConfigFromFile(configPath)
			} else {
				cfg, err = config.LoadConfig()
			}
			if err != nil {
				return err
			}

			srv, err := simulator.NewServer(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file (environment variables still apply)")
	return cmd
}

func main() {
	logger.InitLogger()
	log := logger.GetLogger()

	if err := newRootCmd().Execute(); err != nil {
		log.Errorw("Simulator exited with error", "error", err)
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}
