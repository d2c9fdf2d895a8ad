package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/contract"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/gate"
	"github.com/seantiz/forge/internal/handler"
	"github.com/seantiz/forge/internal/oracle"
	"github.com/seantiz/forge/internal/planner"
	"github.com/seantiz/forge/internal/queue"
	"github.com/seantiz/forge/internal/store"
)

const (
	webhookTimeout      = 10 * time.Second
	httpStepTimeout     = 30 * time.Second
	redisConnectTimeout = 5 * time.Second
)

// app is the wired component graph shared by every command.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store     store.Store
	listener  *store.Listener
	bus       *events.Bus
	fanout    *events.Fanout
	outbox    *events.Outbox
	gate      *gate.Gate
	rules     *gate.RuleWatcher
	handlers  handler.Set
	sched     *engine.Scheduler
	engine    *engine.Engine
	queue     queue.Queue
	contracts *contract.Service

	closers []func()
	stopBG  context.CancelFunc
	bg      sync.WaitGroup
}

func loadConfig() (config.Config, *slog.Logger, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("FORGE_CONFIG")
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, config.NewLogger(os.Stdout, cfg.LogLevel), nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store.SQLStore, *store.Listener, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		st, err := store.OpenPostgres(ctx, store.PostgresConfig{
			URL:             cfg.Database.URL,
			PingTimeout:     time.Duration(cfg.Database.PingTimeout),
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime),
		})
		if err != nil {
			return nil, nil, err
		}
		return st, store.NewListener(cfg.Database.URL, logger), nil
	default:
		st, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	}
}

func openArtifacts(ctx context.Context, cfg config.ArtifactConfig) (handler.ArtifactStore, error) {
	if cfg.MinIOEndpoint != "" {
		return handler.NewMinIOArtifacts(ctx, handler.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	}
	return handler.NewLocalArtifacts(cfg.Dir)
}

// newApp opens the store and builds every component. Nothing is started.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, listener, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st.SetStepLease(time.Duration(cfg.Scheduler.StepLease))
	a.store = st
	a.listener = listener
	a.closers = append(a.closers, func() { st.Close() })

	a.bus = events.NewBus(logger)
	a.fanout = events.NewFanout()
	a.fanout.Attach(a.bus)
	a.closers = append(a.closers, a.fanout.Close, a.bus.Close)

	outboxCfg := events.OutboxConfig{}
	if listener != nil {
		outboxCfg.Wake = listener.Wake()
	}
	a.outbox = events.NewOutbox(st, outboxCfg, logger)
	a.outbox.Bridge(a.bus, events.DurableKinds)
	if cfg.WebhookURL != "" {
		a.outbox.Handle(events.Wildcard, events.WebhookHandler(&http.Client{Timeout: webhookTimeout}, cfg.WebhookURL))
	}

	orc := oracle.New(oracle.Config{
		URL:       cfg.Oracle.URL,
		APIKey:    cfg.Oracle.APIKey,
		Model:     cfg.Oracle.Model,
		MaxTokens: cfg.Oracle.MaxTokens,
		RPS:       cfg.Oracle.RPS,
		Timeout:   time.Duration(cfg.Oracle.Timeout),
	})

	p := planner.New(orc, logger)
	if cfg.PlanTemplates != "" {
		if err := p.LoadTemplates(cfg.PlanTemplates); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.gate = gate.New(st, a.bus, orc, gate.Config{
		MinOutputBytes: cfg.Gate.MinOutputBytes,
		Semantic:       cfg.Gate.Semantic,
	}, logger)
	if cfg.Gate.RulesPath != "" {
		rw, err := gate.NewRuleWatcher(cfg.Gate.RulesPath, a.gate, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load gate rules: %w", err)
		}
		a.rules = rw
	}

	artifacts, err := openArtifacts(ctx, cfg.Artifacts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	a.handlers = handler.Set{
		HTTP:       handler.NewHTTPHandler(&http.Client{}, httpStepTimeout),
		Automation: handler.NewAutomationHandler(artifacts),
		Generation: handler.NewGenerationHandler(orc),
	}

	a.sched = engine.NewScheduler(st, p, a.handlers, a.gate, a.bus, engine.Config{
		MaxAttempts:      cfg.Scheduler.MaxAttempts,
		PollInterval:     time.Duration(cfg.Scheduler.PollInterval),
		ProgressInterval: time.Duration(cfg.Scheduler.ProgressInterval),
		FailFastOnFatal:  cfg.Scheduler.FailFastOnFatal,
	}, logger)

	var dispatcher engine.Dispatcher
	if cfg.Queue.Backend == config.QueueRedis {
		rctx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
		q, err := queue.NewRedis(rctx, queue.RedisConfig{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
		})
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect queue: %w", err)
		}
		a.queue = q
		a.closers = append(a.closers, func() { q.Close() })
		dispatcher = engine.QueueDispatcher{Queue: q}
	}
	a.engine = engine.NewEngine(a.sched, st, dispatcher, logger)
	a.closers = append(a.closers, a.engine.Shutdown)

	a.contracts = contract.NewService(st, a.bus, a.engine, logger)
	agents := contract.DefaultAgents()
	if cfg.AgentsFile != "" {
		if agents, err = contract.LoadAgents(cfg.AgentsFile); err != nil {
			a.Close()
			return nil, err
		}
	}
	if err := a.contracts.SeedAgents(ctx, agents); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed agents: %w", err)
	}

	return a, nil
}

// runBackground starts the outbox, the NOTIFY listener and the rule watcher.
// They stop when ctx is cancelled or the app is closed.
func (a *app) runBackground(ctx context.Context) {
	ctx, a.stopBG = context.WithCancel(ctx)
	a.bg.Go(func() {
		if err := a.outbox.Run(ctx); err != nil {
			a.logger.Error("outbox stopped", "error", err)
		}
	})
	if a.listener != nil {
		a.bg.Go(func() {
			if err := a.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("notify listener stopped", "error", err)
			}
		})
	}
	if a.rules != nil {
		a.bg.Go(func() { a.rules.Run(ctx) })
	}
}

// Close stops background loops, then releases resources in reverse order of
// acquisition.
func (a *app) Close() {
	if a.stopBG != nil {
		a.stopBG()
	}
	a.bg.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
