package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabrica-dev/fabrica/internal/app"
	"github.com/fabrica-dev/fabrica/internal/config"
	"github.com/fabrica-dev/fabrica/internal/train"
)

func newWorker(cfg config.Config) (*train.Worker, error) {
	log := newLogger(cfg)
	return app.NewWorker(cfg, log)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the fine-tuning worker process",
	Long:  "The worker polls the jobs directory, trains queued jobs, and installs completed fine-tuned models into the routing. Run it as its own process alongside the engine.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w, err := newWorker(cfg)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}
