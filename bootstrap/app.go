package bootstrap

import (
	"context"
	"fmt"
	"time"

	"aegis/config"
	"aegis/core"
	"aegis/notify"
	"aegis/service"
	"aegis/soar"
	"aegis/threat"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Options controls how NewApp obtains its configuration and logger
type Options struct {
	// ConfigFile is passed to config.Load; empty searches the default paths
	ConfigFile string
	// Config, when set, is used as is instead of loading one
	Config *config.Config
	// Logger, when set, replaces the console logger built from log_level
	Logger *zap.Logger
}

// App holds every wired aegis component
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Storage     *StorageComponents
	Redis       *redis.Client
	Breakers    *core.BreakerSet
	ThreatIntel *threat.EnrichmentEngine
	Sender      *notify.WebhookSender
	Notifier    *notify.Multi
	Progress    *service.ProgressTracker
	Registry    *soar.Registry
	Engine      *soar.Engine
	Service     *service.PlaybookService
}

// NewApp creates an application instance and initializes all components.
// On error every component opened so far is closed.
func NewApp(ctx context.Context, opts Options) (_ *App, err error) {
	app := &App{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	cfg := opts.Config
	if cfg == nil {
		bootLogger := opts.Logger
		if bootLogger == nil {
			bootLogger, _, _ = InitLogger("info")
		}
		cfg, err = InitConfig(opts.ConfigFile, bootLogger.Sugar())
		_ = bootLogger.Sync()
		if err != nil {
			return nil, err
		}
	}
	app.Config = cfg

	if opts.Logger != nil {
		app.Logger = opts.Logger
	} else if app.Logger, _, err = InitLogger(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Sugar = app.Logger.Sugar()

	if err = EnsureDataDirectories(cfg, app.Sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	if app.Storage, err = InitSQLite(cfg.DataPaths.SQLitePath, app.Sugar); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		if app.Redis, err = core.NewRedisClient(ctx, cfg.Redis.RedisConfig, app.Sugar); err != nil {
			app.Sugar.Error(ClassifyRedisError(err, cfg.Redis.Addr))
			return nil, err
		}
	}

	if app.Breakers, err = core.NewBreakerSet(core.DefaultCircuitBreakerConfig()); err != nil {
		return nil, fmt.Errorf("failed to create circuit breakers: %w", err)
	}

	if cfg.ThreatIntel.Enabled {
		if app.ThreatIntel, err = initThreatIntel(cfg.ThreatIntel, app.Sugar); err != nil {
			return nil, err
		}
	} else {
		app.Sugar.Info("Threat intel disabled, enrichment uses the offline feed")
		app.ThreatIntel = threat.NewEnrichmentEngine([]threat.ThreatFeed{threat.NewStaticFeed("offline")}, nil, app.Sugar)
	}

	if cfg.Notifications.WebhookURL != "" || cfg.Notifications.SlackWebhookURL != "" {
		app.Sender, err = notify.NewWebhookSender(notify.WebhookConfig{
			WebhookURL:      cfg.Notifications.WebhookURL,
			SlackWebhookURL: cfg.Notifications.SlackWebhookURL,
			Policy:          soar.OutboundPolicy{Allowlist: cfg.Notifications.AllowedHosts},
			Breakers:        app.Breakers,
			Retry:           soar.DefaultRetryPolicy(),
			Timeout:         cfg.Notifications.Timeout,
		}, app.Sugar)
		if err != nil {
			return nil, err
		}
	} else {
		app.Sugar.Info("No notification webhook configured, notifications are simulated")
	}

	app.Registry = soar.NewBuiltinRegistry(app.builtinOptions())

	app.Notifier = notify.NewMulti(app.Sugar, notify.Sink{Name: "log", Notifier: notify.NewLogNotifier(app.Sugar)})
	if app.Redis != nil {
		app.Notifier.Add("redis", notify.NewRedisPublisher(app.Redis, cfg.Redis.EventsChannel, app.Sugar))
	}
	if cfg.Engine.PersistProgress {
		app.Progress = service.NewProgressTracker(app.Storage.Executions, app.Sugar)
		app.Notifier.Add("progress", app.Progress)
	}

	app.Engine = soar.NewEngine(soar.EngineConfig{
		Registry:           app.Registry,
		Notifier:           app.Notifier,
		AuditLogger:        soar.NewZapAuditLogger(app.Sugar),
		Logger:             app.Sugar,
		Tracer:             otel.Tracer("aegis/soar"),
		DefaultStepTimeout: time.Duration(cfg.Engine.DefaultStepTimeoutSeconds) * time.Second,
	})

	svcOpts := []service.Option{}
	if app.Redis != nil {
		svcOpts = append(svcOpts, service.WithLocker(service.NewRedisLocker(app.Redis, "")))
	}
	if app.Progress != nil {
		svcOpts = append(svcOpts, service.WithProgressTracker(app.Progress))
	}
	app.Service = service.NewPlaybookService(
		app.Storage.Playbooks,
		app.Storage.Executions,
		app.Engine,
		service.Config{
			MaxConcurrent:  cfg.Engine.MaxConcurrent,
			LockTTL:        cfg.Redis.LockTTL,
			RetryBaseDelay: cfg.Engine.RetryBaseDelay,
		},
		app.Sugar,
		svcOpts...,
	)

	app.Sugar.Infow("aegis initialized",
		"actions", app.Registry.Len(),
		"notifier_sinks", app.Notifier.Len(),
		"destructive_actions", cfg.Engine.DestructiveActionsEnabled)
	return app, nil
}

func (a *App) builtinOptions() soar.BuiltinOptions {
	opts := soar.BuiltinOptions{
		AllowedScripts:     a.Config.Scripts.Allowed,
		DestructiveEnabled: a.Config.Engine.DestructiveActionsEnabled,
		Outbound: soar.OutboundPolicy{
			Allowlist:            a.Config.HTTPRequest.AllowedHosts,
			AllowHTTP:            a.Config.HTTPRequest.AllowHTTP,
			AllowPrivateNetworks: a.Config.HTTPRequest.AllowPrivateNetworks,
		},
		Breakers: a.Breakers,
		Logger:   a.Sugar,
	}
	// Typed nils would defeat the simulation fallbacks, so only set what exists.
	if a.ThreatIntel != nil {
		opts.ThreatIntel = a.ThreatIntel
	}
	if a.Sender != nil {
		opts.Sender = a.Sender
	}
	if a.Config.Scripts.Dir != "" && len(a.Config.Scripts.Allowed) > 0 {
		opts.Scripts = soar.NewExecScriptRunner(a.Config.Scripts.Dir)
	}
	return opts
}

func initThreatIntel(cfg config.ThreatIntelConfig, sugar *zap.SugaredLogger) (*threat.EnrichmentEngine, error) {
	feed, err := threat.NewHTTPFeed(threat.HTTPFeedConfig{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Timeout:           cfg.Timeout,
		RequestsPerMinute: cfg.RateLimit,
		Burst:             cfg.Burst,
		Breaker:           cfg.Breaker,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize threat feed: %w", err)
	}
	if cfg.APIKey == "" {
		sugar.Warn("Threat intel enabled without an API key")
	}
	cache := threat.NewIOCCache(cfg.CacheSize, cfg.CacheTTL)
	sugar.Infow("Threat intel feed ready", "feed", feed.Name(), "base_url", cfg.BaseURL)
	return threat.NewEnrichmentEngine([]threat.ThreatFeed{feed}, cache, sugar), nil
}

// Close waits for in-flight asynchronous executions and releases every
// connection. It is safe on a partially built App.
func (a *App) Close() {
	if a.Service != nil {
		a.Service.Wait()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil && a.Sugar != nil {
			a.Sugar.Errorw("Failed to close Redis connection", "error", err)
		}
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil && a.Sugar != nil {
			a.Sugar.Errorw("Failed to close database", "error", err)
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}
