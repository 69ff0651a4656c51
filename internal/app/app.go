package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"calsync/internal/cache"
	"calsync/internal/config"
	"calsync/internal/coordinator"
	"calsync/internal/google"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/notify"
	"calsync/internal/ratelimit"
	"calsync/internal/retry"
	"calsync/internal/scheduler"
	"calsync/internal/snapshot"
	"calsync/internal/source"
	"calsync/internal/web"
)

const (
	jobSync   = "sync"
	jobHealth = "health"
)

// App is the fully wired engine.
type App struct {
	cfg *config.Config

	registry  *prometheus.Registry
	collector *metrics.Collector
	buckets   []*ratelimit.Bucket
	breakers  *retry.Breakers
	sources   *source.Cached
	store     snapshot.Store

	changes *notify.Queue[model.ChangeSet]
	alerts  *notify.Queue[model.Alert]

	Coordinator *coordinator.Coordinator
	Scheduler   *scheduler.Scheduler
	Server      *web.Server
}

// New builds every component from cfg. Nothing runs until Run or RunOnce.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	// 1. Metrics
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollector(a.registry)

	// 2. Rate limits, retries, breakers
	rl := cfg.RateLimits
	calendarAPI := ratelimit.New("calendar_api", rl.CalendarAPI.MaxTokens, rl.CalendarAPI.RefillPerSecond)
	eventList := ratelimit.New("event_list", rl.EventList.MaxTokens, rl.EventList.RefillPerSecond)
	icsBucket := ratelimit.New("ics", rl.ICS.MaxTokens, rl.ICS.RefillPerSecond)
	webhookBucket := ratelimit.New("webhook", rl.Webhook.MaxTokens, rl.Webhook.RefillPerSecond)
	a.buckets = []*ratelimit.Bucket{calendarAPI, eventList, icsBucket, webhookBucket}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}
	a.breakers = retry.NewBreakers(cfg.Breaker.Threshold, cfg.Breaker.ResetAfter)

	// 3. Source adapters
	var client *http.Client
	if cfg.ICS.AllowPrivate {
		client = &http.Client{Timeout: cfg.ICS.Timeout}
	} else {
		client = ics.NewSafeClient(cfg.ICS.Timeout)
	}
	adapters := map[model.SourceType]source.Adapter{
		model.SourceICS: ics.NewAdapter(
			ics.NewFetcher(client, cfg.ICS.MaxBodyBytes),
			retry.New("ics", policy, ics.Classify, icsBucket),
			a.breakers,
			cfg.ICS.MaxOccurrences,
		),
	}
	if cfg.Google.Enabled {
		svc, err := google.NewService(ctx, cfg.Google.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("google calendar client: %w", err)
		}
		adapters[model.SourceGoogle] = google.NewAdapter(
			svc,
			retry.New("event_list", policy, google.Classify, eventList),
			retry.New("calendar_api", policy, google.Classify, calendarAPI),
			a.breakers,
		)
	}

	// 4. Caches
	eventsCache, err := cache.New[[]model.Event]("events", cfg.Cache.MaxEntries, cfg.Cache.EventTTL)
	if err != nil {
		return nil, err
	}
	metaCache, err := cache.New[model.CalendarMeta]("metadata", cfg.Cache.MaxEntries, cfg.Cache.MetadataTTL)
	if err != nil {
		return nil, err
	}
	a.sources = source.NewCached(source.NewRouter(adapters), eventsCache, metaCache)

	// 5. Snapshot store
	a.store, err = openStore(ctx, cfg.Snapshot)
	if err != nil {
		return nil, err
	}

	// 6. Notification queues
	changeSinks := notify.Fanout[model.ChangeSet]{notify.LogChanges()}
	alertSinks := notify.Fanout[model.Alert]{notify.LogAlerts()}
	hookClient := &http.Client{Timeout: 10 * time.Second}
	if cfg.Notify.WebhookURL != "" {
		changeSinks = append(changeSinks, notify.NewWebhook[model.ChangeSet](cfg.Notify.WebhookURL, hookClient, webhookBucket))
	}
	if cfg.Notify.AlertURL != "" {
		alertSinks = append(alertSinks, notify.NewWebhook[model.Alert](cfg.Notify.AlertURL, hookClient, webhookBucket))
	}
	a.changes = notify.NewQueue[model.ChangeSet]("changes", cfg.Notify.QueueSize, changeSinks, a.collector)
	a.alerts = notify.NewQueue[model.Alert]("alerts", cfg.Notify.QueueSize,
		notify.NewCooldown(alertSinks, cfg.Notify.AlertCooldown), a.collector)

	// 7. Coordinator
	a.Coordinator = coordinator.New(coordinator.Config{
		PastDays:      cfg.Window.PastDays,
		FutureDays:    cfg.Window.FutureDays,
		MaxConcurrent: cfg.MaxConcurrent,
		RefreshCycles: cfg.Snapshot.RefreshCycles,
		CycleTimeout:  cfg.CycleTimeout,
	}, config.NewTenantFile(cfg.TenantsFile), a.sources, a.store, a.changes, a.alerts, a.collector)

	// 8. Scheduler and health monitor
	a.Scheduler = scheduler.New(a.collector)
	// No job deadline: each cycle is bounded by CycleTimeout on its own.
	if err := a.Scheduler.Add(jobSync, cfg.SyncSchedule, 0, a.Coordinator.Tick); err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("sync job: %w", err)
	}
	monitor := &scheduler.Monitor{
		Scheduler:   a.Scheduler,
		Locks:       a.Coordinator,
		Alerts:      a.alerts,
		MaxErrors:   cfg.Health.MaxConsecutiveErrors,
		LockTimeout: cfg.Health.LockTimeout,
		Self:        jobHealth,
	}
	if err := a.Scheduler.Add(jobHealth, cfg.Health.Schedule, time.Minute, monitor.Check); err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("health job: %w", err)
	}

	a.collector.WatchBuckets(a.buckets...)
	a.collector.WatchCaches(a.sources.CacheStats)
	a.collector.WatchBreakers(a.breakers)

	// 9. Status API
	a.Server = web.NewServer(cfg, web.Deps{
		Status:   a.Coordinator,
		Caches:   a.sources,
		Jobs:     a.Scheduler,
		Breakers: a.breakers,
		Buckets:  a.buckets,
		Queues:   []func() notify.QueueStats{a.changes.Stats, a.alerts.Stats},
		Metrics:  metrics.Handler(a.registry),
	})

	return a, nil
}

func openStore(ctx context.Context, cfg config.SnapshotConfig) (snapshot.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		st, err := snapshot.OpenSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("open sqlite snapshot store: %w", err)
		}
		return st, nil
	default:
		st, err := snapshot.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open snapshot dir: %w", err)
		}
		return st, nil
	}
}

// Run starts the queues, scheduler and HTTP server and blocks until ctx is
// cancelled. Shutdown lets in-flight cycles finish and drains the queues.
func (a *App) Run(ctx context.Context) error {
	queueCtx, stopQueues := context.WithCancel(context.WithoutCancel(ctx))
	queues := a.startQueues(queueCtx)

	a.Scheduler.Start(ctx)
	// First sync right away rather than one interval after startup.
	initial := make(chan struct{})
	go func() {
		defer close(initial)
		if err := a.Scheduler.RunNow(jobSync); err != nil {
			appLog.Error("initial sync failed", err)
		}
	}()

	serveErr := a.Server.Serve(ctx, a.cfg.ShutdownGrace)
	if serveErr != nil {
		appLog.Error("HTTP server stopped", serveErr)
	}
	<-initial

	appLog.Info("shutting down")
	return errors.Join(serveErr, a.shutdown(ctx, stopQueues, queues))
}

// RunOnce performs a single sync tick and exits after notifications drain.
func (a *App) RunOnce(ctx context.Context) error {
	queueCtx, stopQueues := context.WithCancel(context.WithoutCancel(ctx))
	queues := a.startQueues(queueCtx)

	tickErr := a.Coordinator.Tick(ctx)
	if tickErr != nil {
		appLog.Error("sync tick failed", tickErr)
	}
	return errors.Join(tickErr, a.shutdown(ctx, stopQueues, queues))
}

func (a *App) startQueues(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.changes.Run(ctx) }()
	go func() { defer wg.Done(); a.alerts.Run(ctx) }()
	return &wg
}

func (a *App) shutdown(ctx context.Context, stopQueues context.CancelFunc, queues *sync.WaitGroup) error {
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGrace)
	defer cancel()

	var errs []error
	if err := a.Scheduler.Stop(graceCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := a.Coordinator.Wait(graceCtx); err != nil {
		errs = append(errs, fmt.Errorf("wait for cycles: %w", err))
	}
	stopQueues()
	queues.Wait()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close snapshot store: %w", err))
	}
	appLog.Info("calsync stopped")
	return errors.Join(errs...)
}
