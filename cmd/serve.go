package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"flowpilot/activities"
	"flowpilot/api"
	"flowpilot/durable"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the timer sweeper and (with Temporal) the timer worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), root)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

func serve(parent context.Context, root *rootOptions) error {
	cfg, logger := root.cfg, root.logger
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	watcher, err := rt.loadDefinitions()
	if err != nil {
		return err
	}
	if watcher != nil && cfg.Definitions.Watch {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("Definition watcher stopped", zap.Error(err))
			}
		}()
	}

	if rt.temporal != nil {
		w := worker.New(rt.temporal, cfg.Temporal.TaskQueue, worker.Options{})
		durable.Register(w, &activities.TimerActivities{Engine: rt.engine})
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
		logger.Info("Timer worker started", zap.String("taskQueue", cfg.Temporal.TaskQueue))
	}

	rearmed, err := rt.engine.Recover(ctx)
	if err != nil {
		return err
	}
	logger.Info("Recovered pending timers", zap.Int("count", rearmed))
	if err := rt.engine.Timers().StartSweeper(cfg.Timers.SweepSchedule); err != nil {
		return err
	}
	defer rt.engine.Timers().StopSweeper()

	srv := api.NewServer(rt.engine, rt.defs,
		api.WithLogger(logger),
		api.WithGatherer(rt.registry),
	)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}
	logger.Info("Server stopped")
	return nil
}
