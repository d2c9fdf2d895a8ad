package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/forge/internal/api"
	"github.com/seantiz/forge/internal/engine"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, local runner, sweeper and outbox",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := shutdownContext(cmd.Context())
	defer stop()

	logger.Info("forge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.Database.Driver,
		"queue", cfg.Queue.Backend,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.runBackground(ctx)

	if n, err := a.contracts.ActivateWorkers(ctx); err != nil {
		logger.Warn("activate workers", "error", err)
	} else if n > 0 {
		logger.Info("workers activated", "count", n)
	}

	sweeper, err := engine.NewSweeper(cfg.Scheduler.SweepSchedule, a.store, a.engine, logger)
	if err != nil {
		return err
	}
	// Pick up executions left active by a previous process before the first tick.
	if _, err := sweeper.Sweep(ctx); err != nil {
		logger.Warn("startup sweep failed", "error", err)
	}
	sweeper.PruneStreams(a.fanout, engine.DefaultStreamRetention)
	sweeper.Start()
	defer sweeper.Stop()

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:     a.store,
		Engine:    a.engine,
		Contracts: a.contracts,
		Handlers:  a.handlers,
		Fanout:    a.fanout,
	}, logger)

	err = srv.Run(ctx)
	stop()
	a.engine.Shutdown()
	return err
}

// shutdownContext is cancelled by SIGINT or SIGTERM.
func shutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
