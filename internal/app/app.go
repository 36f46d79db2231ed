// Package app assembles the full service: config, logging, storage, the
// transport adapter, the pipeline, the worker pool, and maintenance, with
// ordered startup and shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hidarameen/Hodhod/internal/batch"
	"github.com/hidarameen/Hodhod/internal/config"
	"github.com/hidarameen/Hodhod/internal/dispatch"
	"github.com/hidarameen/Hodhod/internal/engine"
	"github.com/hidarameen/Hodhod/internal/eventbus"
	"github.com/hidarameen/Hodhod/internal/inference"
	"github.com/hidarameen/Hodhod/internal/maintenance"
	"github.com/hidarameen/Hodhod/internal/media"
	"github.com/hidarameen/Hodhod/internal/pipeline"
	"github.com/hidarameen/Hodhod/internal/publish"
	"github.com/hidarameen/Hodhod/internal/queue"
	"github.com/hidarameen/Hodhod/internal/ratelimit"
	"github.com/hidarameen/Hodhod/internal/storage"
	"github.com/hidarameen/Hodhod/internal/transport"
	"github.com/hidarameen/Hodhod/internal/transport/telegram"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	store   storage.Store
	adapter *telegram.Adapter
	pool    *queue.Pool
	engine  *engine.Engine
	maint   *maintenance.Service

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log, bus: eventbus.New()}, nil
}

// Logger exposes the root logger for callers that report fatal errors.
func (a *App) Logger() logx.Logger { return a.log }

// Start wires and starts every component. Order matters: storage first,
// then processing, then intake, so nothing receives work before its
// downstream exists.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	cfg := a.cfgMgr.Get()
	if cfg == nil {
		return fmt.Errorf("no config loaded")
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		DownloadDir: cfg.Telegram.DownloadDir,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	// Operator log sink delivers through the adapter once it exists.
	if cfg.Logging.Operator.Enabled && cfg.Logging.Operator.ChatID != 0 {
		opChat := cfg.Logging.Operator.ChatID
		a.logSvc.SetSender(func(ctx context.Context, text string) {
			_, _ = adapter.SendText(ctx, transport.Destination{ChatID: opChat}, text, nil)
		})
	}

	genTimeout, err := config.ParseDurationOrDefault("pipeline.generate_timeout", cfg.Pipeline.GenerateTimeout, 45*time.Second)
	if err != nil {
		return err
	}
	reqTimeout, err := config.ParseDurationOrDefault("pipeline.request_timeout", cfg.Pipeline.RequestTimeout, 60*time.Second)
	if err != nil {
		return err
	}
	providers := make([]inference.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, inference.ProviderConfig{Name: p.Name, BaseURL: p.BaseURL, APIKey: p.APIKey})
	}
	gen := inference.New(inference.Config{Providers: providers, Timeout: reqTimeout},
		a.log.With(logx.String("comp", "inference")))

	limiter := ratelimit.New()
	pipe := pipeline.New(
		pipeline.Config{GenerateTimeout: genTimeout, MaxTokens: cfg.Pipeline.MaxTokens},
		gen, limiter, store.ActiveRules,
		a.log.With(logx.String("comp", "pipeline")), a.bus)

	retryDelay, err := config.ParseDurationField("dispatch.retry_delay", cfg.Dispatch.RetryDelay)
	if err != nil {
		return err
	}
	disp := dispatch.New(dispatch.Config{
		SendRate:     cfg.Dispatch.SendRate,
		Burst:        cfg.Dispatch.Burst,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		RetryDelay:   retryDelay,
		SerialFormat: cfg.Dispatch.SerialFormat,
	}, store, adapter, a.log.With(logx.String("comp", "dispatch")), a.bus)

	pollInterval, err := config.ParseDurationField("queue.poll_interval", cfg.Queue.PollInterval)
	if err != nil {
		return err
	}
	errorBackoff, err := config.ParseDurationField("queue.error_backoff", cfg.Queue.ErrorBackoff)
	if err != nil {
		return err
	}
	jobTimeout, err := config.ParseDurationField("queue.job_timeout", cfg.Queue.JobTimeout)
	if err != nil {
		return err
	}
	pool := queue.New(queue.Config{
		MaxWorkers:   cfg.Queue.MaxWorkers,
		PollInterval: pollInterval,
		ErrorBackoff: errorBackoff,
		JobTimeout:   jobTimeout,
	}, store, a.log.With(logx.String("comp", "queue")), a.bus)
	a.pool = pool

	mediaTimeout, err := config.ParseDurationField("media.timeout", cfg.Media.Timeout)
	if err != nil {
		return err
	}
	proc := media.New(media.Config{
		FFmpegPath:  cfg.Media.FFmpegPath,
		FFprobePath: cfg.Media.FFprobePath,
		Timeout:     mediaTimeout,
		WorkDir:     cfg.Media.WorkDir,
	}, a.log.With(logx.String("comp", "media")))

	var publisher publish.Publisher
	if cfg.Publish.Enabled {
		publisher = publish.NewTelegraph(publish.Config{
			Endpoint:    cfg.Publish.Endpoint,
			AccessToken: cfg.Publish.AccessToken,
			AuthorName:  cfg.Publish.AuthorName,
		}, a.log.With(logx.String("comp", "publish")))
	}

	flushDelay, err := config.ParseDurationField("batch.flush_delay", cfg.Batch.FlushDelay)
	if err != nil {
		return err
	}
	var maxVideo int64
	if cfg.Media.MaxVideoMB > 0 {
		maxVideo = int64(cfg.Media.MaxVideoMB) << 20
	}
	eng := engine.New(engine.Config{
		PublishThreshold: cfg.Publish.Threshold,
		MaxVideoBytes:    maxVideo,
	}, engine.Deps{
		Store:     store,
		Pool:      pool,
		Pipeline:  pipe,
		Dispatch:  disp,
		Adapter:   adapter,
		Media:     proc,
		Publisher: publisher,
		BatchCfg:  batch.Config{FlushDelay: flushDelay},
	}, a.log.With(logx.String("comp", "engine")), a.bus)
	a.engine = eng

	retention, err := config.ParseDurationField("maintenance.retention", cfg.Maintenance.Retention)
	if err != nil {
		return err
	}
	maint := maintenance.New(maintenance.Config{
		PruneSchedule: cfg.Maintenance.PruneSchedule,
		Retention:     retention,
		StatsSchedule: cfg.Maintenance.StatsSchedule,
	}, store, eng.Stats, a.log.With(logx.String("comp", "maintenance")))
	a.maint = maint

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	pool.Start(runCtx)
	if err := eng.Start(runCtx); err != nil {
		cancel()
		pool.Stop(context.Background())
		_ = store.Close()
		return err
	}
	if err := maint.Start(); err != nil {
		a.log.Warn("maintenance disabled", logx.Err(err))
	}

	// Config hot reload: logging changes apply live, structural changes
	// take effect on restart.
	go func() {
		_ = a.cfgMgr.Watch(runCtx)
	}()
	sub := a.cfgMgr.Subscribe(4)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				a.cfgMgr.Unsubscribe(sub)
				return
			case nc, ok := <-sub:
				if !ok {
					return
				}
				if nc == nil {
					continue
				}
				a.logSvc.Apply(logx.Config{
					Level:   nc.Logging.Level,
					Console: nc.Logging.Console,
					File:    logx.FileConfig{Enabled: nc.Logging.File.Enabled, Path: nc.Logging.File.Path},
					Operator: logx.OperatorConfig{
						Enabled:    nc.Logging.Operator.Enabled,
						MinLevel:   nc.Logging.Operator.MinLevel,
						RatePerSec: nc.Logging.Operator.RatePerSec,
					},
				})
				a.log.Info("logging config applied")
			}
		}
	}()

	a.started = true
	a.log.Info("hodhod started")
	return nil
}

// Stop shuts everything down intake-first so in-flight work drains
// before the store closes.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}

	a.engine.Stop(ctx)
	a.pool.Stop(ctx)
	a.maint.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage failed", logx.Err(err))
	}
	_ = a.logSvc.Close()

	a.started = false
	return nil
}
