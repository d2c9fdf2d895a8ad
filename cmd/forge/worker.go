package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/worker"
)

var workerCount int

func init() {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume executions from the Redis queue",
		Long: `Runs a pool of workers that pop execution ids from the shared queue and
advance each execution until nothing is claimable. Requires the redis
queue backend; the serve process keeps dispatching and sweeping.`,
		RunE: runWorker,
	}
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "number of workers (defaults to FORGE_WORKERS)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Queue.Backend != config.QueueRedis {
		return errors.New("worker requires FORGE_QUEUE=redis")
	}
	if workerCount > 0 {
		cfg.Queue.Workers = workerCount
	}

	ctx, stop := shutdownContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.runBackground(ctx)

	pool := worker.NewPool(a.queue, a.sched, cfg.Queue.Workers, logger)
	logger.Info("forge worker: starting", "workers", cfg.Queue.Workers, "redis_addr", cfg.Queue.RedisAddr)

	err = pool.Run(ctx)
	logger.Info("forge worker: stopped", "processed", pool.Processed())
	return err
}
