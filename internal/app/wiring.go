package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/pyroscope-go"
	lgcfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/aggregator"
	"hcfstream/internal/alerting"
	api "hcfstream/internal/api/http"
	"hcfstream/internal/api/http/handlers"
	"hcfstream/internal/api/http/mw"
	"hcfstream/internal/broadcast"
	"hcfstream/internal/config"
	"hcfstream/internal/dedupe"
	dedupeRedis "hcfstream/internal/dedupe/redis"
	"hcfstream/internal/domain"
	"hcfstream/internal/ledger"
	"hcfstream/internal/metrics"
	"hcfstream/internal/pubsub"
	"hcfstream/internal/pubsub/nats"
	"hcfstream/internal/security"
	"hcfstream/internal/service"
	"hcfstream/internal/stores"
	"hcfstream/internal/stores/clickhouse"
	"hcfstream/internal/stores/memory"
	"hcfstream/internal/stores/postgres"
	"hcfstream/internal/stores/redis"
	"hcfstream/internal/window"
)

const publishGateTTL = 15 * time.Minute

type Container struct {
	app *App
	log logger.Logger

	// infra
	pg       *postgres.Pool
	redis    *redis.Client
	ch       *clickhouse.Conn
	chWriter *clickhouse.Writer
	nc       *nats.Client
	source   *ledger.EthSource

	// buses
	commits   *pubsub.Bus[domain.Commit]
	snapshots *pubsub.Bus[domain.SnapshotUpdated]
	alerts    *pubsub.Bus[domain.AlertCreated]

	// services
	listener   *ledger.Listener
	aggregator *aggregator.Aggregator
	engine     *alerting.Engine
	dispatcher *alerting.Dispatcher
	relay      *broadcast.Relay
	persister  *window.Persister
	gates      []*dedupe.MemoryWindow

	profiler *pyroscope.Profiler
	closers  []func() error
}

// Run blocks until ctx is done or a component fails
func (c *Container) Run(ctx context.Context) error {
	return c.app.Run(ctx)
}

type storeSet struct {
	events stores.EventStore
	feed   stores.Feed
	marks  stores.WatermarkStore
	alerts stores.AlertStore
	cache  stores.SnapshotCache
}

// Build constructs the whole pipeline; cleanup releases everything Build opened, in reverse order
func Build(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	lg := logger.New(lgcfg.LoggerCfg{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	lg.Info("Successfully initialize logger")

	c := &Container{log: lg, app: New(lg, cfg.App.ShutdownTimeout)}
	cleanup := c.cleanup

	if err := c.build(ctx, cfg); err != nil {
		cleanup()
		return nil, nil, err
	}

	lg.Info("Successfully initialize Wiring")
	return c, cleanup, nil
}

func (c *Container) build(ctx context.Context, cfg *config.Config) error {
	lg := c.log
	var err error

	if c.profiler, err = metrics.InitPProf(cfg.App.InstanceID, &cfg.Metrics.Pyroscope); err != nil {
		return fmt.Errorf("pyroscope initialize failed: %w", err)
	}
	if c.profiler != nil {
		lg.Infof("Successfully initialize Pyroscope to %s", cfg.Metrics.Pyroscope.ServerAddr)
	}

	// Redis client, shared by the snapshot cache, suppression window, rate limiter and window persister
	if cfg.Stores.CacheBackend == "redis" || cfg.Dedupe.Backend == "redis" || cfg.RateLimit.Enabled {
		if c.redis, err = redis.New(ctx, &cfg.Stores.Redis); err != nil {
			return fmt.Errorf("failed to initialize redis client: %w", err)
		}
		c.closers = append(c.closers, c.redis.Close)
		lg.Infof("Successfully initialize redis client, addr=%s", cfg.Stores.Redis.Addr)
	}

	st, err := c.buildStores(ctx, cfg)
	if err != nil {
		return err
	}

	// ClickHouse archive
	if cfg.Stores.ClickHouse.Enabled {
		if c.ch, err = clickhouse.New(ctx, &cfg.Stores.ClickHouse); err != nil {
			return fmt.Errorf("failed to initialize clickhouse client: %w", err)
		}
		c.closers = append(c.closers, c.ch.Close)
		c.chWriter = clickhouse.NewWriter(lg, c.ch.Native, cfg.Stores.ClickHouse)
		c.chWriter.OnFlush(metrics.ObserveArchiveFlush)
		lg.Infof("Successfully initialize clickhouse writer, url=%s", strings.Split(cfg.Stores.ClickHouse.DSN, "?")[0])
	}

	// Buses; every consumer subscribes before anything publishes.
	// Only the aggregator may hold back the listener, the other consumers drop on overflow.
	c.commits = pubsub.NewBus[domain.Commit](cfg.PubSub.BusBuffer)
	c.snapshots = pubsub.NewBus[domain.SnapshotUpdated](cfg.PubSub.BusBuffer)
	c.alerts = pubsub.NewBus[domain.AlertCreated](cfg.PubSub.BusBuffer)

	aggCommits := c.commits.Subscribe("aggregator")
	alertCommits := c.commits.SubscribeLossy("alerting")
	alertSnapshots := c.snapshots.SubscribeLossy("alerting")
	bcSnapshots := c.snapshots.SubscribeLossy("broadcast")
	bcAlerts := c.alerts.SubscribeLossy("broadcast")

	// Suppression windows
	cooldown, err := c.buildSuppression(cfg)
	if err != nil {
		return err
	}
	publishGate := dedupe.NewMemoryWindow(lg, publishGateTTL, cfg.Dedupe.JanitorEvery)
	evalGate := dedupe.NewMemoryWindow(lg, publishGateTTL, cfg.Dedupe.JanitorEvery)
	c.gates = append(c.gates, publishGate, evalGate)

	// Ledger
	if c.source, err = ledger.DialSource(ctx, cfg.Ledger.RPCURL); err != nil {
		return err
	}
	decoder, err := ledger.NewDecoder()
	if err != nil {
		return fmt.Errorf("failed to initialize decoder: %w", err)
	}
	publisher := ledger.NewCommitPublisher(c.commits, publishGate)
	if c.listener, err = ledger.NewListener(lg, &cfg.Ledger, c.source, decoder, st.events, st.marks, publisher); err != nil {
		return fmt.Errorf("failed to initialize ledger listener: %w", err)
	}
	if c.chWriter != nil {
		c.listener.OnCommit(c.chWriter.Archive)
	}
	lg.Infof("Successfully initialize ledger listener with %d streams", len(c.listener.Streams()))

	// Aggregator
	if c.aggregator, err = aggregator.NewAggregator(lg, &cfg.Aggregator, st.events, st.cache, c.snapshots); err != nil {
		return fmt.Errorf("failed to initialize aggregator: %w", err)
	}

	// Alerting
	sinks, sinkClosers, err := alerting.BuildSinks(&cfg.Alerting, &cfg.Alerts)
	if err != nil {
		return fmt.Errorf("failed to initialize alert sinks: %w", err)
	}
	for _, cl := range sinkClosers {
		c.closers = append(c.closers, cl.Close)
	}
	c.dispatcher = alerting.NewDispatcher(lg, sinks, cfg.Alerts.Workers, cfg.Alerts.QueueSize, cfg.Alerts.DispatchTimeout)
	lg.Infof("Successfully initialize alert dispatcher with %d sinks", len(sinks))

	rules, err := alerting.BuildRules(&cfg.Alerts)
	if err != nil {
		return fmt.Errorf("failed to build alert rules: %w", err)
	}
	c.engine, err = alerting.NewEngine(lg, &cfg.Alerts, alerting.EngineDeps{
		Rules:      rules,
		Window:     cooldown,
		EvalGate:   evalGate,
		Store:      st.alerts,
		Bus:        c.alerts,
		Dispatcher: c.dispatcher,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize alert engine: %w", err)
	}
	c.listener.OnDecodeAlarm(func(alarm domain.DecodeAlarm) {
		c.engine.QueueDecodeAlarm(alarm)
	})
	lg.Infof("Successfully initialize alert engine with %d rules", len(rules))

	// Price windows
	windows := make([]time.Duration, 0, len(cfg.Alerts.PriceWindows))
	for _, pw := range cfg.Alerts.PriceWindows {
		windows = append(windows, pw.Window)
	}
	priceWindow, err := window.NewWindowEngine(lg, &cfg.Window, windows)
	if err != nil {
		return fmt.Errorf("failed to initialize window engine: %w", err)
	}
	if c.redis != nil {
		if c.persister, err = window.NewPersister(lg, c.redis, cfg.Window.SnapshotKey, priceWindow); err != nil {
			return err
		}
		if restored, err := c.persister.Load(ctx); err != nil {
			lg.Warnf("Window snapshot restore failed, cold start, error=%v", err)
		} else if restored {
			lg.Info("Successfully restored window snapshot")
		}
	}

	// Broadcast
	hub := broadcast.NewHub(lg)
	var pub broadcast.Publisher = hub
	if cfg.PubSub.NATS.Enabled {
		if c.nc, err = nats.Connect(cfg, lg); err != nil {
			return fmt.Errorf("failed to initialize nats client: %w", err)
		}
		c.closers = append(c.closers, c.nc.Close)

		origin := cfg.App.InstanceID
		if origin == "" {
			origin = uuid.NewString()
		}
		if c.relay, err = broadcast.NewRelay(lg, hub, c.nc, c.nc.Prefix(), origin); err != nil {
			return err
		}
		if err = c.relay.Start(); err != nil {
			return fmt.Errorf("failed to start broadcast relay: %w", err)
		}
		c.closers = append(c.closers, c.relay.Close)
		pub = c.relay
		lg.Infof("Successfully initialize nats relay, url=%s", cfg.PubSub.NATS.URL)
	}
	forwarder := broadcast.NewForwarder(lg, pub)

	// Operator service and HTTP
	deps := []service.Dependency{{Name: "events", Check: st.events}}
	if c.redis != nil {
		deps = append(deps, service.Dependency{Name: "redis", Check: c.redis})
	}
	if c.ch != nil {
		deps = append(deps, service.Dependency{Name: "clickhouse", Check: c.ch})
	}
	if c.nc != nil {
		deps = append(deps, service.Dependency{Name: "nats", Check: c.nc})
	}
	svc, err := service.NewOperatorService(lg, st.cache, c.aggregator, c.engine, deps...)
	if err != nil {
		return err
	}

	router, err := c.buildRouter(cfg, svc, hub)
	if err != nil {
		return err
	}
	c.app.Serve(api.NewServer(lg, &cfg.API.HTTP, router))
	if addr := cfg.Metrics.Prometheus; addr != "" && addr != cfg.API.HTTP.Addr {
		c.app.Serve(api.NewServer(lg, &config.HTTPConfig{Addr: addr}, metrics.Handler()))
	}

	// Periodic jobs
	sched := newScheduler(lg)
	if err = c.buildJobs(sched, cfg, priceWindow); err != nil {
		return err
	}

	// Tasks
	c.app.Go("ledger-listener", c.listener.Run)
	c.app.Go("commit-feed", func(ctx context.Context) error {
		return st.feed.Stream(ctx, func(cm domain.Commit) {
			if _, err := publisher.Publish(ctx, cm); err != nil && ctx.Err() == nil {
				lg.Warnf("Feed commit %d not published, error=%v", cm.Event.Seq, err)
			}
		})
	})
	c.app.Go("aggregator", func(ctx context.Context) error { return c.aggregator.Run(ctx, aggCommits) })
	c.app.Go("alert-engine", func(ctx context.Context) error { return c.engine.Run(ctx, alertCommits, alertSnapshots) })
	c.app.Go("broadcast-forwarder", func(ctx context.Context) error { return forwarder.Run(ctx, bcSnapshots, bcAlerts) })
	c.app.Go("scheduler", sched.run)
	if c.pg != nil {
		c.app.Go("postgres-watchdog", func(ctx context.Context) error {
			return c.pg.Watchdog(ctx, lg, &cfg.Stores.Postgres)
		})
	}

	return nil
}

func (c *Container) buildStores(ctx context.Context, cfg *config.Config) (*storeSet, error) {
	lg := c.log
	st := &storeSet{}

	switch cfg.Stores.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, &cfg.Stores.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres pool: %w", err)
		}
		c.pg = pool
		c.closers = append(c.closers, func() error { pool.Close(); return nil })

		if err = pool.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate postgres: %w", err)
		}
		events := postgres.NewEventStore(pool)
		st.events, st.feed = events, events
		st.marks = postgres.NewWatermarkStore(pool)
		st.alerts = postgres.NewAlertStore(pool)
		lg.Info("Successfully initialize postgres stores")
	case "memory":
		events := memory.NewEventStore()
		st.events, st.feed = events, events
		st.marks = memory.NewWatermarkStore()
		st.alerts = memory.NewAlertStore()
		lg.Warn("Using in-memory stores, state is lost on restart")
	default:
		return nil, fmt.Errorf("unknown stores backend %q", cfg.Stores.Backend)
	}

	if cfg.Stores.CacheBackend == "redis" {
		cache, err := redis.NewSnapshotCache(c.redis, cfg.Stores.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		st.cache = cache
	} else {
		st.cache = memory.NewSnapshotCache()
	}

	return st, nil
}

func (c *Container) buildSuppression(cfg *config.Config) (dedupe.Window, error) {
	if cfg.Dedupe.Backend == "redis" {
		w, err := dedupeRedis.NewWindow(c.log, &cfg.Dedupe, c.redis)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis suppression window: %w", err)
		}
		c.log.Infof("Successfully initialize redis suppression window by prefix %s", cfg.Dedupe.Prefix)
		return w, nil
	}

	w := dedupe.NewMemoryWindow(c.log, cfg.Dedupe.TTL, cfg.Dedupe.JanitorEvery)
	c.gates = append(c.gates, w)
	return w, nil
}

func (c *Container) buildRouter(cfg *config.Config, svc *service.OperatorService, hub *broadcast.Hub) (http.Handler, error) {
	lg := c.log
	var err error

	var verifier *security.RS256Verifier
	var signer *security.RS256Signer
	if cfg.Security.JWT.Enabled {
		if verifier, err = security.NewRS256Verifier(&cfg.Security.JWT); err != nil {
			return nil, fmt.Errorf("failed to initialize jwt verifier: %w", err)
		}
		lg.Info("Successfully initialize JWT-Verifier")

		// signer is not required for us -> continue
		if cfg.Security.JWT.PrivateKeyPath != "" {
			if signer, err = security.NewRS256Signer(&cfg.Security.JWT); err != nil {
				lg.Errorf("Failed to initialize signer: %v", err)
				signer = nil
			} else {
				lg.Warn("Dev token minting is enabled on POST /dev/token")
			}
		}
	}

	d := &api.Deps{
		Handler:   handlers.NewHandler(lg, svc, signer),
		WS:        broadcast.NewWSHandler(lg, hub, svc, &cfg.API.WS),
		Metrics:   metrics.Handler(),
		Logging:   mw.NewLogging(lg),
		Gzip:      mw.NewGzip(0, lg),
		DevTokens: signer != nil,
	}
	if cfg.API.HTTP.CORS.Enabled {
		d.CORS = mw.NewCORS(&cfg.API.HTTP.CORS)
	}
	if verifier != nil {
		if d.JWT, err = mw.NewJWTMiddleware(verifier); err != nil {
			return nil, err
		}
	}
	if cfg.RateLimit.Enabled {
		d.RateLimit = mw.NewRateLimit(&cfg.RateLimit, c.redis, verifier)
	}

	return api.BuildRouter(d), nil
}

func (c *Container) buildJobs(sched *scheduler, cfg *config.Config, priceWindow *window.Window) error {
	lg := c.log
	system := alerting.NewSystemSampler()

	if err := sched.add("reconcile", cfg.Aggregator.ReconcileSpec, c.aggregator.Reconcile); err != nil {
		return err
	}

	if cfg.Ledger.Market.PairAddress != "" {
		sampler, err := ledger.NewReserveSampler(c.source, &cfg.Ledger.Market)
		if err != nil {
			return fmt.Errorf("failed to initialize reserve sampler: %w", err)
		}
		err = sched.add("market-sample", cfg.Ledger.Market.SampleSpec, func(ctx context.Context) error {
			sample, err := sampler.Sample(ctx)
			if err != nil {
				return err
			}
			view, err := priceWindow.Apply(ctx, sample)
			if errors.Is(err, window.ErrTooLate) {
				return nil
			}
			if err != nil {
				return err
			}
			c.engine.OnMarket(ctx, view)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if cfg.Ledger.BlockProbe.Enabled {
		contracts := make([]string, 0, len(cfg.Ledger.Contracts))
		for _, ct := range cfg.Ledger.Contracts {
			contracts = append(contracts, ct.Address)
		}
		probe, err := ledger.NewBlockProbe(c.source, contracts)
		if err != nil {
			return fmt.Errorf("failed to initialize block probe: %w", err)
		}
		err = sched.add("block-probe", cfg.Ledger.BlockProbe.ProbeSpec, func(ctx context.Context) error {
			samples, latency, err := probe.Probe(ctx)
			system.ObserveLatency(latency)
			if err != nil {
				return err
			}
			if len(samples) > 0 {
				c.engine.OnBlocks(ctx, samples)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	err := sched.add("system-sample", cfg.Alerts.System.SampleSpec, func(ctx context.Context) error {
		sample, err := system.Sample(ctx)
		if err != nil {
			return err
		}
		c.engine.OnSystem(ctx, sample)
		return nil
	})
	if err != nil {
		return err
	}

	return sched.add("window-snapshot", cfg.Window.SnapshotSpec, func(ctx context.Context) error {
		priceWindow.Tick(time.Now())
		if stale := c.aggregator.Stale(); len(stale) > 0 {
			lg.Warnf("Stale scopes: %v", stale)
		}
		if c.persister == nil {
			return nil
		}
		if err := c.persister.Save(ctx); err != nil {
			return err
		}
		lg.Debug("Window snapshot saved")
		return nil
	})
}

func (c *Container) cleanup() {
	lg := c.log
	ctxClean, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.persister != nil {
		if err := c.persister.Save(ctxClean); err != nil {
			lg.Errorf("Failed to save window snapshot: %v", err)
		}
	}

	if c.dispatcher != nil {
		c.dispatcher.Stop()
	}

	if c.chWriter != nil {
		if err := c.chWriter.Close(ctxClean); err != nil {
			lg.Errorf("Failed to close by cleanupF clickhouse writer: %v", err)
		}
	}

	if c.commits != nil {
		c.commits.Close()
		c.snapshots.Close()
		c.alerts.Close()
	}

	for _, g := range c.gates {
		g.Close()
	}

	if c.source != nil {
		c.source.Close()
	}

	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			lg.Errorf("Failed to close dependency: %v", err)
		}
	}

	if c.profiler != nil {
		if err := c.profiler.Stop(); err != nil {
			lg.Errorf("Failed to stop profiler: %v", err)
		}
	}

	lg.Info("Successfully cleaned up dependency")
}
