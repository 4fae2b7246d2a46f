// Package app builds the ShadowGuard object graph shared by the CLI commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/Wikid82/shadowguard/internal/activity"
	"github.com/Wikid82/shadowguard/internal/api/routes"
	"github.com/Wikid82/shadowguard/internal/config"
	"github.com/Wikid82/shadowguard/internal/database"
	"github.com/Wikid82/shadowguard/internal/engine"
	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/metrics"
	"github.com/Wikid82/shadowguard/internal/proxy"
	"github.com/Wikid82/shadowguard/internal/rules"
	"github.com/Wikid82/shadowguard/internal/server"
	"github.com/Wikid82/shadowguard/internal/services"
)

// App holds every long-lived component.
type App struct {
	Config   config.Config
	DB       *gorm.DB
	Registry *prometheus.Registry

	Notifications *services.NotificationService
	Stats         *services.StatsService
	Retention     *services.RetentionService

	Rules  *rules.Store
	Engine *engine.Engine
	Pages  *engine.BlockPages

	Buffer     *activity.Buffer
	Activity   *activity.Logger
	Reconciler *activity.Reconciler
}

// Build opens the database and wires the components described by cfg.
func Build(cfg config.Config) (*App, error) {
	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	a := &App{Config: cfg, DB: db, Registry: registry}

	a.Notifications = services.NewNotificationService(db, cfg.NotifyURLs)
	a.Stats = services.NewStatsService(db, cfg.StoreTimeout)
	a.Retention = services.NewRetentionService(a.Stats, a.Notifications, cfg.RetentionWindow)

	a.Rules = rules.NewStore(cfg.Rules, rules.WithReporter(a.Notifications))
	a.Engine = engine.New(a.Rules, cfg.Rules.ManagementHosts)
	a.Pages = engine.LoadBlockPages(cfg.Rules.BlockTemplatePath, cfg.Rules.RiskAnalysisPath)

	a.Buffer = activity.NewBuffer(cfg.Activity.BufferPath, cfg.Activity.BufferCapacity)
	a.Activity = activity.NewLogger(a.Buffer, a.Notifications)
	a.Reconciler = activity.NewReconciler(a.Buffer, a.Stats, a.Notifications)

	return a, nil
}

// Close releases the database connection.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RouteDeps returns the dependencies of the console API.
func (a *App) RouteDeps() routes.Deps {
	return routes.Deps{
		Stats:         a.Stats,
		Notifications: a.Notifications,
		Activity:      a.Activity,
		Reconciler:    a.Reconciler,
		Rules:         a.Rules,
		Engine:        a.Engine,
		Metrics:       a.Registry,
	}
}

// Scheduler registers the background jobs: the rule refresh, the buffer
// drain and the retention sweep, which also runs once at startup.
func (a *App) Scheduler() (*services.Scheduler, error) {
	s := services.NewScheduler()

	if err := s.Every(every(a.Config.Rules.RefreshInterval), "rules-refresh", a.Rules.Refresh); err != nil {
		return nil, err
	}
	if d := a.Config.Activity.ReconcileInterval; d > 0 {
		if err := s.Every(every(d), "reconcile", a.reconcileJob); err != nil {
			return nil, err
		}
	}
	if err := s.Every(a.Config.SweepSchedule, "retention-sweep", a.Retention.Run); err != nil {
		return nil, err
	}
	s.OnStart(a.Rules.Refresh)
	s.OnStart(a.Retention.Run)
	return s, nil
}

func (a *App) reconcileJob() {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.StoreTimeout+30*time.Second)
	defer cancel()
	if _, err := a.Reconciler.Reconcile(ctx); err != nil {
		logger.Component("reconciler").WithError(err).Warn("background import failed")
	}
}

// Serve runs the console, the proxy and the scheduler until ctx is cancelled
// or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	console, err := server.New(a.Config, a.RouteDeps())
	if err != nil {
		return err
	}
	scheduler, err := a.Scheduler()
	if err != nil {
		return err
	}
	px := proxy.New(a.Config.ProxyAddr, a.Engine, a.Pages, a.Activity)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return console.Run(gCtx) })
	g.Go(func() error { return px.Run(gCtx) })
	g.Go(func() error { return scheduler.Run(gCtx) })
	return g.Wait()
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
