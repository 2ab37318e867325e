// Package workgate wires the lease coordinator, the health loop and the HTTP
// API into one process.
//
//	cfg, _ := config.Load()
//	app, err := workgate.New(ctx, cfg)
//	if err != nil { ... }
//	defer app.Close()
//	err = app.Run(ctx)
package workgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	r "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/jdziat/workgate/pkg/api"
	"github.com/jdziat/workgate/pkg/backpressure"
	"github.com/jdziat/workgate/pkg/broker"
	"github.com/jdziat/workgate/pkg/config"
	"github.com/jdziat/workgate/pkg/coordinator"
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/health"
	"github.com/jdziat/workgate/pkg/incident"
	"github.com/jdziat/workgate/pkg/kv"
	"github.com/jdziat/workgate/pkg/notify"
	"github.com/jdziat/workgate/pkg/queuestats"
	"github.com/jdziat/workgate/pkg/schedule"
	"github.com/jdziat/workgate/pkg/storage"
	"github.com/jdziat/workgate/pkg/telemetry"
)

// Periodic task names.
const (
	TaskLeaseSweep      = "lease-sweep"
	TaskQueueSample     = "queue-sample"
	TaskMetricRollup    = "metric-rollup"
	TaskHealthEvaluate  = "health-evaluate"
	TaskSupervisorPrune = "supervisor-prune"
)

// Option configures New.
type Option interface {
	apply(*options)
}

type options struct {
	db       *gorm.DB
	redis    r.UniversalClient
	registry *prometheus.Registry
	channels []notify.Channel
	logger   *slog.Logger
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithDB uses an already opened database instead of Config.Database.
func WithDB(db *gorm.DB) Option {
	return optionFunc(func(o *options) { o.db = db })
}

// WithRedis uses an existing Redis client instead of Config.Redis.
func WithRedis(c r.UniversalClient) Option {
	return optionFunc(func(o *options) { o.redis = c })
}

// WithRegistry registers metrics on reg rather than a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return optionFunc(func(o *options) { o.registry = reg })
}

// WithChannels adds alert channels to those built from Config.Notify.
func WithChannels(chs ...notify.Channel) Option {
	return optionFunc(func(o *options) { o.channels = append(o.channels, chs...) })
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(o *options) { o.logger = l })
}

// App is a fully wired workgate process.
type App struct {
	Config      config.Config
	Store       *storage.GormStorage
	KV          kv.Store
	Metrics     *telemetry.Metrics
	Coordinator *coordinator.Coordinator
	Gate        *backpressure.Gate
	Evaluator   *health.Evaluator
	Monitor     *health.Monitor
	Incidents   *incident.Tracker
	Notifier    *notify.Notifier
	Sampler     *queuestats.Sampler
	Rollup      *queuestats.Rollup
	Runner      *schedule.Runner

	logger  *slog.Logger
	closers []func() error
}

// New opens storage, migrates it and builds every component from cfg.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(&o)
	}
	rollupSchedule, err := schedule.ParseCron(cfg.Health.RollupSchedule)
	if err != nil {
		return nil, fmt.Errorf("workgate: %w", err)
	}
	rules, err := config.LoadHealthRules(cfg.Health.File)
	if err != nil {
		return nil, fmt.Errorf("workgate: %w", err)
	}

	a := &App{Config: cfg, logger: o.logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	db := o.db
	if db == nil {
		if db, err = storage.Open(cfg.Database.Driver, cfg.Database.DSN); err != nil {
			return nil, fmt.Errorf("workgate: open database: %w", err)
		}
		a.closers = append(a.closers, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
	}
	a.Store, err = storage.NewGormStorageWithPool(db, storage.WithPoolConfig(storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}))
	if err != nil {
		return nil, fmt.Errorf("workgate: %w", err)
	}
	if err := a.Store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("workgate: migrate: %w", err)
	}

	rdb := o.redis
	if rdb == nil && cfg.Redis.Addr != "" {
		client := r.NewClient(&r.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		rdb = client
	}
	if rdb != nil {
		a.KV = kv.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	} else {
		a.KV = kv.NewMemoryStore()
	}

	a.Metrics = telemetry.NewMetrics(o.registry, cfg.MetricsNamespace)

	var probe broker.Probe = broker.NewTableProbe(a.Store)
	if cfg.QueueDriver == broker.DriverRedis {
		if rdb == nil {
			return nil, errors.New("workgate: queue driver redis needs a redis client")
		}
		probe = broker.NewRedisProbe(rdb)
	}

	var supervisors broker.SupervisorRegistry = broker.NewEngineSupervisors(a.Store, cfg.Health.SupervisorStaleAfter)
	var redisSupervisors *broker.RedisSupervisors
	if cfg.Health.SupervisorSource == "redis" {
		if rdb == nil {
			return nil, errors.New("workgate: supervisor source redis needs a redis client")
		}
		redisSupervisors = broker.NewRedisSupervisors(rdb, cfg.Health.SupervisorStaleAfter)
		supervisors = redisSupervisors
	}

	a.Evaluator = health.NewEvaluator(probe, supervisors, a.Store,
		health.WithRules(rules),
		health.WithLeaseLength(cfg.Lease.Default),
		health.WithSampleMaxAge(cfg.Health.SampleMaxAge),
		health.WithWorkers(a.Store, cfg.Health.WorkerStaleAfter),
		health.WithMetrics(a.Metrics),
		health.WithLogger(o.logger.With("component", "health")),
	)
	cache := health.NewReportCache(a.KV, cfg.Health.ReportTTL)

	a.Incidents = incident.NewTracker(a.Store,
		incident.WithMetrics(a.Metrics),
		incident.WithLogger(o.logger.With("component", "incident")),
	)

	channels, err := buildChannels(cfg.Notify, o.logger)
	if err != nil {
		return nil, err
	}
	a.Notifier = notify.New(a.KV,
		notify.WithCooldown(cfg.Notify.Cooldown),
		notify.WithStateTTL(cfg.Notify.StateTTL),
		notify.WithChannels(append(channels, o.channels...)...),
		notify.WithMetrics(a.Metrics),
		notify.WithLogger(o.logger.With("component", "notify")),
	)
	a.Monitor = health.NewMonitor(a.Evaluator, cache, a.Incidents, a.Notifier, o.logger.With("component", "health"))

	gateOpts := []backpressure.Option{
		backpressure.WithMaxReportAge(cfg.Gate.MaxReportAge),
		backpressure.WithBlockOn(blockOn(cfg.Gate.BlockOn)...),
		backpressure.WithHeavyLanes(func() []string { return a.Evaluator.Rules().HeavyLanes() }),
		backpressure.WithMetrics(a.Metrics),
		backpressure.WithLogger(o.logger.With("component", "backpressure")),
	}
	if !cfg.Gate.Enabled {
		gateOpts = append(gateOpts, backpressure.Disabled())
	}
	a.Gate = backpressure.NewGate(cache, gateOpts...)

	a.Coordinator = coordinator.New(a.Store,
		coordinator.WithLeasePolicy(coordinator.LeasePolicy{
			Default:     cfg.Lease.Default,
			Min:         cfg.Lease.Min,
			Max:         cfg.Lease.Max,
			MaxAttempts: cfg.Lease.MaxAttempts,
		}),
		coordinator.WithGate(a.Gate),
		coordinator.WithCriticalLanes(cfg.CriticalLanes...),
		coordinator.WithMetrics(a.Metrics),
		coordinator.WithLogger(o.logger.With("component", "coordinator")),
	)

	lanes := func() []string {
		return mergeLanes(cfg.Lanes, a.Evaluator.Rules().LaneNames())
	}
	a.Sampler = queuestats.NewSampler(a.Store, probe,
		queuestats.WithInterval(cfg.Health.SampleInterval),
		queuestats.WithLanes(lanes),
		queuestats.WithMetrics(a.Metrics),
		queuestats.WithLogger(o.logger.With("component", "queuestats")),
	)
	a.Rollup = queuestats.NewRollup(a.Store,
		queuestats.WithLookback(cfg.Health.RollupLookback),
		queuestats.WithRetention(cfg.Health.SampleRetention),
		queuestats.WithLogger(o.logger.With("component", "queuestats")),
	)

	a.Runner = schedule.NewRunner(
		schedule.WithLogger(o.logger.With("component", "schedule")),
		schedule.OnRun(a.Metrics.IncTaskRun),
	)
	a.Runner.Add(schedule.Task{
		Name:     TaskLeaseSweep,
		Schedule: schedule.Every(cfg.Lease.SweepInterval),
		Timeout:  cfg.Lease.SweepInterval,
		Run: func(ctx context.Context) error {
			_, _, err := a.Coordinator.ReleaseExpired(ctx)
			return err
		},
	})
	a.Runner.Add(schedule.Task{
		Name:     TaskQueueSample,
		Schedule: schedule.Every(cfg.Health.SampleInterval),
		Run: func(ctx context.Context) error {
			_, err := a.Sampler.Collect(ctx)
			return err
		},
	})
	a.Runner.Add(schedule.Task{
		Name:     TaskMetricRollup,
		Schedule: rollupSchedule,
		Run: func(ctx context.Context) error {
			_, err := a.Rollup.Run(ctx)
			return err
		},
	})
	a.Runner.Add(schedule.Task{
		Name:      TaskHealthEvaluate,
		Schedule:  schedule.Every(cfg.Health.EvaluateInterval),
		Immediate: true,
		Run: func(ctx context.Context) error {
			a.Monitor.Tick(ctx)
			return nil
		},
	})
	if redisSupervisors != nil {
		a.Runner.Add(schedule.Task{
			Name:     TaskSupervisorPrune,
			Schedule: schedule.Every(cfg.Health.SupervisorStaleAfter),
			Run: func(ctx context.Context) error {
				_, err := redisSupervisors.Prune(ctx)
				return err
			},
		})
	}

	ok = true
	return a, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return api.Handler(api.Services{
		Coordinator: a.Coordinator,
		Health:      a.Monitor,
		Incidents:   a.Incidents,
	},
		api.WithEngineToken(a.Config.EngineToken),
		api.WithRetryAfter(a.Config.Gate.RetryAfter),
		api.WithMetrics(a.Metrics),
		api.WithLogger(a.logger.With("component", "api")),
	)
}

// Run serves the API, drives the periodic tasks and watches the health file
// until ctx is cancelled. A clean shutdown returns nil. One queue sample is
// taken before the runner starts so the first health evaluation sees every
// lane.
func (a *App) Run(ctx context.Context) error {
	if err := a.Runner.RunOnce(ctx, TaskQueueSample); err != nil {
		a.logger.Warn("initial queue sample failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("workgate: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.Runner.Start(gctx)
	})
	if a.Config.Health.File != "" {
		g.Go(func() error {
			return config.WatchHealthRules(gctx, a.Config.Health.File, a.Evaluator.UpdateThresholds, a.logger)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the connections New opened. Injected ones are left alone.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildChannels(cfg config.NotifyConfig, logger *slog.Logger) ([]notify.Channel, error) {
	var chs []notify.Channel
	if cfg.WebhookURL != "" {
		chs = append(chs, notify.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookTimeout, logger))
	}
	if cfg.SMTPHost != "" {
		email, err := notify.NewEmailChannel(notify.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
			To:       cfg.MailTo,
		})
		if err != nil {
			return nil, fmt.Errorf("workgate: %w", err)
		}
		chs = append(chs, email)
	}
	return chs, nil
}

func blockOn(names []string) []core.HealthStatus {
	out := make([]core.HealthStatus, 0, len(names))
	for _, n := range names {
		out = append(out, core.HealthStatus(n))
	}
	return out
}

func mergeLanes(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		for _, lane := range g {
			if lane != "" && !slices.Contains(out, lane) {
				out = append(out, lane)
			}
		}
	}
	return out
}
