package main

import (
	"context"
	"errors"
	"fmt"

	"changes-agent/src/aggregate"
	"changes-agent/src/broker"
	"changes-agent/src/buildkite"
	"changes-agent/src/config"
	"changes-agent/src/contracts"
	"changes-agent/src/githubactions"
	"changes-agent/src/jenkins"
	"changes-agent/src/logger"
	"changes-agent/src/model"
	"changes-agent/src/phabricator"
	"changes-agent/src/provider"
	"changes-agent/src/reconcile"
	"changes-agent/src/store"
	"changes-agent/src/tasks"
)

// app holds the components every subcommand shares.
type app struct {
	cfg *config.Config
	log logger.Logger

	broker   broker.Broker
	store    store.Store
	locker   tasks.Locker
	parking  tasks.Parking
	engine   *reconcile.Engine
	agg      *aggregate.Aggregator
	registry *provider.Registry
	queue    *tasks.Queue
	handlers *tasks.Handlers
	poller   *phabricator.Poller
}

// newApp connects the store and broker named by cfg and wires the sync
// core on top of them.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if len(cfg.Broker.Brokers) > 0 {
		b, err := broker.NewRedpandaBroker(cfg.Broker.Brokers, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to brokers: %w", err)
		}
		a.broker = b
	} else {
		log.Warn("No brokers configured, tasks and updates stay in this process")
		a.broker = broker.NewInMemoryBroker()
	}

	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.store = pg
		if err := pg.Bootstrap(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
		}
		a.locker = tasks.NewPostgresLocker(pg.DB(), log)
	} else {
		log.Warn("No database configured, using the in-memory store")
		a.store = store.NewMemoryStore()
		a.locker = tasks.NewMemoryLocker()
	}

	if cfg.Worker.ParkingPath != "" {
		parking, err := tasks.NewBoltParking(cfg.Worker.ParkingPath)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open parking %s: %w", cfg.Worker.ParkingPath, err)
		}
		a.parking = parking
	} else {
		a.parking = tasks.NewMemoryParking()
	}

	pub := contracts.NewPublisher(a.broker, log)
	a.engine = reconcile.NewEngine(a.store, pub, log)
	a.agg = aggregate.New(a.store, pub, aggregate.NopCache{}, log)

	registry, err := provider.NewRegistry(providers(cfg.Providers, a.engine, a.agg, log)...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry = registry

	a.queue = tasks.NewQueue(a.broker, a.store, a.parking, log)
	if cfg.Sync.PendingTimeout > 0 {
		a.queue.PendingTimeout = cfg.Sync.PendingTimeout
	}
	a.handlers = tasks.NewHandlers(a.registry, a.engine, a.agg, a.queue, log, tasks.Options{
		PollInterval: cfg.Sync.PollInterval,
		RetryDelay:   cfg.Sync.RetryDelay,
		MaxRetries:   cfg.Sync.MaxRetries,
		CheckBuilds:  cfg.Sync.CheckBuilds,
		ExpireBuilds: cfg.Sync.ExpireBuilds,
	})

	if phab := cfg.Providers.Phabricator; phab != nil {
		a.poller = phabricator.NewPoller(phabricator.NewClient(phab.URL, phab.Token), a.store, a.engine.Remotes(), log)
		if phab.RevisionLimit > 0 {
			a.poller.RevisionLimit = phab.RevisionLimit
		}
	}

	return a, nil
}

// providers builds an adapter for every configured CI provider.
func providers(cfg config.ProvidersConfig, engine *reconcile.Engine, agg *aggregate.Aggregator, log logger.Logger) []provider.Provider {
	var out []provider.Provider
	if bk := cfg.Buildkite; bk != nil {
		out = append(out, buildkite.NewProvider(buildkite.NewClient(bk.Token, bk.BaseURL), engine, agg, log, buildkite.Options{
			ListLimit:       bk.ListLimit,
			ArtifactPattern: bk.ArtifactPattern,
			DefaultBranch:   bk.DefaultBranch,
		}))
	}
	if gh := cfg.GitHub; gh != nil {
		out = append(out, githubactions.NewProvider(githubactions.NewClient(gh.Token, gh.BaseURL), engine, agg, log, githubactions.Options{
			ListLimit:       gh.ListLimit,
			ArtifactPattern: gh.ArtifactPattern,
			DefaultWorkflow: gh.DefaultWorkflow,
			DefaultRef:      gh.DefaultRef,
		}))
	}
	if jk := cfg.Jenkins; jk != nil {
		out = append(out, jenkins.NewProvider(jenkins.NewClient(jk.URL, jk.User, jk.Token), engine, agg, log, jenkins.Options{
			ListLimit:       jk.ListLimit,
			DownstreamLimit: jk.DownstreamLimit,
		}))
	}
	return out
}

// project resolves a project slug.
func (a *app) project(ctx context.Context, slug string) (*model.Project, error) {
	p, err := a.store.GetProjectBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &provider.UserError{Message: fmt.Sprintf("unknown project %q", slug)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", slug, err)
	}
	return p, nil
}

func (a *app) close() {
	if a.parking != nil {
		if err := a.parking.Close(); err != nil {
			a.log.Warn("Failed to close parking: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("Failed to close store: %v", err)
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Warn("Failed to close broker: %v", err)
		}
	}
}
