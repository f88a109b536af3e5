package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/batch"
	"github.com/sells-group/bomflow/internal/cache"
	"github.com/sells-group/bomflow/internal/enrich"
	"github.com/sells-group/bomflow/internal/events"
	"github.com/sells-group/bomflow/internal/gate"
	"github.com/sells-group/bomflow/internal/monitoring"
	"github.com/sells-group/bomflow/internal/orchestrator"
	"github.com/sells-group/bomflow/internal/queue"
	"github.com/sells-group/bomflow/internal/router"
	"github.com/sells-group/bomflow/internal/store"
	"github.com/sells-group/bomflow/internal/tracker"
	"github.com/sells-group/bomflow/pkg/claude"
)

// engineEnv holds the wired engine components shared by the worker, serve,
// and queue-management commands.
type engineEnv struct {
	Store        store.Store
	Cache        cache.Cache
	Queue        *queue.Queue
	Tracker      *tracker.Tracker
	Machine      *batch.Machine
	Recorder     *events.Recorder
	Orchestrator *orchestrator.Orchestrator
	Collector    *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine sets up the store, cache, and every engine layer. Callers
// should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	c, err := initCache(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	recorder := events.NewRecorder(st)
	machine := batch.NewMachine(st, recorder, batch.Config{
		FailureToleranceRatio: cfg.Batch.FailureToleranceRatio,
	})
	trk := tracker.New(st, recorder)

	gateCfg := gate.DefaultConfig()
	gateCfg.AdmissibilityThreshold = cfg.Gate.AdmissibilityThreshold
	q := queue.New(st, machine, recorder, gateCfg)

	rt := router.New(st, c, router.Config{
		DurabilityThreshold: cfg.Router.DurabilityThreshold,
		CacheTTL:            cfg.Router.CacheTTL(),
	})

	matcher, enricher, err := initCollaborators()
	if err != nil {
		_ = c.Close()
		_ = st.Close()
		return nil, err
	}

	orch := orchestrator.New(q, trk, machine, st, matcher, enricher, rt, orchestrator.Config{
		WorkerConcurrency:   cfg.Orchestrator.WorkerConcurrency,
		PerBatchConcurrency: cfg.Orchestrator.PerBatchConcurrency,
		MaxRetries:          cfg.Orchestrator.MaxRetries,
		HeartbeatInterval:   cfg.Orchestrator.Heartbeat(),
		StaleTimeout:        cfg.Orchestrator.StaleTimeout(),
		PollInterval:        cfg.Orchestrator.PollInterval(),
	})

	return &engineEnv{
		Store:        st,
		Cache:        c,
		Queue:        q,
		Tracker:      trk,
		Machine:      machine,
		Recorder:     recorder,
		Orchestrator: orch,
		Collector:    monitoring.NewCollector(st),
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func initCache(ctx context.Context) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "sqlite", "":
		return cache.NewSQLite(cfg.Cache.Path)
	case "redis":
		return cache.NewRedis(ctx, cfg.Cache.RedisAddr, "", cfg.Cache.RedisDB)
	default:
		return nil, eris.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// initCollaborators builds the matcher and enricher. The catalog always
// matches; enrichment goes through Claude when an API key is configured,
// otherwise the catalog record itself is the payload source.
func initCollaborators() (enrich.Matcher, enrich.Enricher, error) {
	catalog, err := enrich.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Claude.Key != "" {
		zap.L().Info("using claude enricher", zap.String("model", cfg.Claude.Model))
		client := claude.NewClient(cfg.Claude.Key)
		return catalog, claude.NewEnricher(client, cfg.Claude.Model, cfg.Claude.MaxTokens), nil
	}
	return catalog, catalog, nil
}
