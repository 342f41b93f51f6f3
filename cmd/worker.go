package cmd

import (
	"errors"

	"flowpilot/activities"
	"flowpilot/durable"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

func newWorkerCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone Temporal worker that fires durable timers",
		Long: `Runs the timer workflow and its FireTimer activity against the shared
store, without serving HTTP. Requires temporal.enabled and, to share state
with serve processes, store.driver=postgres.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := root.cfg, root.logger
			if !cfg.Temporal.Enabled {
				return errors.New("worker requires temporal.enabled=true")
			}
			if cfg.Store.Driver == "memory" {
				logger.Warn("Worker is using the in-memory store; timers of other processes are invisible to it")
			}

			rt, err := newRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.loadDefinitions(); err != nil {
				return err
			}

			w := worker.New(rt.temporal, cfg.Temporal.TaskQueue, worker.Options{})
			durable.Register(w, &activities.TimerActivities{Engine: rt.engine})

			logger.Info("Starting Worker...", zap.String("taskQueue", cfg.Temporal.TaskQueue))
			if err := w.Run(worker.InterruptCh()); err != nil {
				return err
			}
			logger.Info("Worker stopped.")
			return nil
		},
	}
}
