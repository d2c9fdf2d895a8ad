package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/forge/internal/store"
)

// DefaultSweepSchedule re-dispatches active executions every half minute.
const DefaultSweepSchedule = "@every 30s"

// sweepTimeout bounds a single sweep.
const sweepTimeout = 30 * time.Second

// DefaultStreamRetention is how long a finished execution's stream marker is
// kept before a sweep prunes it.
const DefaultStreamRetention = 10 * time.Minute

// StreamPruner forgets the stream state of finished executions.
type StreamPruner interface {
	PruneClosed(olderThan time.Duration) int
}

// Sweeper periodically re-dispatches executions that are not terminal. It
// recovers runs lost to a crash and wakes queue-driven executions whose retry
// deadline has passed.
type Sweeper struct {
	cron       *cron.Cron
	store      store.ExecutionStore
	dispatcher Dispatcher
	logger     *slog.Logger

	pruner    StreamPruner
	retention time.Duration
}

// NewSweeper creates a sweeper firing on schedule, a standard five-field cron
// expression or a descriptor such as "@every 30s".
func NewSweeper(schedule string, st store.ExecutionStore, d Dispatcher, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:       cron.New(),
		store:      st,
		dispatcher: d,
		logger:     logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// PruneStreams makes every sweep drop stream markers older than retention.
func (s *Sweeper) PruneStreams(p StreamPruner, retention time.Duration) {
	s.pruner = p
	s.retention = retention
}

// Start begins firing in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// Sweep dispatches every active execution once and returns how many were
// dispatched.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.ListActiveExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active executions: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := s.dispatcher.Dispatch(ctx, id); err != nil {
			s.logger.Warn("sweep dispatch failed", "execution_id", id, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Debug("sweep dispatched executions", "count", n)
	}
	if s.pruner != nil {
		if pruned := s.pruner.PruneClosed(s.retention); pruned > 0 {
			s.logger.Debug("pruned finished streams", "count", pruned)
		}
	}
	return n, nil
}
