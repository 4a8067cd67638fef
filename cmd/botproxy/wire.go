package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"BotProxy/internal/backend"
	"BotProxy/internal/cache"
	"BotProxy/internal/chatbot"
	"BotProxy/internal/config"
	"BotProxy/internal/retry"
	"BotProxy/internal/session"
	"BotProxy/internal/slots"
	"BotProxy/internal/store"
	"BotProxy/internal/telemetry"
	"BotProxy/internal/tools"
	"BotProxy/internal/usage"
)

// app holds everything a command needs. Close releases it in reverse order.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	store  *store.Store
	bot    *chatbot.ChatBot

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// wireBase loads config, sets up logging and telemetry and opens the migrated store.
func wireBase(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		cfg.Log.Level = "debug"
	}

	a := &app{cfg: cfg}
	logger, closeLog, err := telemetry.InitLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, closeLog)
	if cfg.Debug {
		logger.Debug("Debug mode enabled")
	}

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.Log.Dir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tracer, a.meter = tracer, meter
	a.closers = append(a.closers, cleanup)

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	})
	if err := st.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	logger.Info("database ready", "driver", cfg.Database.Driver)
	return a, nil
}

// wireApp builds the full chat pipeline on top of wireBase.
func wireApp(ctx context.Context, flags *globalFlags) (*app, error) {
	a, err := wireBase(ctx, flags)
	if err != nil {
		return nil, err
	}

	searchCache, err := a.searchCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	gatewayPolicy := retry.Gateway()
	gatewayPolicy.Timeout = a.cfg.Gateway.Timeout
	gateway := backend.NewGateway(a.cfg.Gateway.BaseURL,
		backend.WithAPIKey(a.cfg.Gateway.APIKey),
		backend.WithSecrets(a.store),
		backend.WithHTTPClient(&http.Client{}),
		backend.WithPolicy(gatewayPolicy),
		backend.WithLogger(a.logger),
		backend.WithTelemetry(a.tracer, a.meter),
	)

	searchPolicy := retry.Search()
	searchPolicy.Timeout = a.cfg.Search.Timeout
	mediatorOpts := []tools.MediatorOption{
		tools.WithShaper(tools.Shaper{
			BookingBase: a.cfg.Search.BookingBase,
			Excluded:    a.cfg.Search.ExcludedTypes,
		}),
		tools.WithDefaultURL(a.cfg.Search.URL),
		tools.WithLogger(a.logger),
	}
	if searchCache != nil {
		mediatorOpts = append(mediatorOpts, tools.WithCache(searchCache))
	}
	mediator := tools.NewMediator(
		tools.NewSearchClient(&http.Client{}, searchPolicy, a.logger),
		mediatorOpts...,
	)

	a.bot = chatbot.NewChatBot(chatbot.Dependencies{
		Assistants: a.store,
		Sessions:   session.NewManager(a.store, a.logger),
		Collector:  slots.NewCollector(),
		Gateway:    gateway,
		Mediator:   mediator,
		Recorder:   usage.NewRecorder(a.store, a.logger),
		Logger:     a.logger,
		Tracer:     a.tracer,
	})
	return a, nil
}

func (a *app) searchCache(ctx context.Context) (cache.SearchCache, error) {
	switch a.cfg.Cache.Backend {
	case config.CacheNone:
		a.logger.Info("search cache disabled")
		return nil, nil
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Cache.RedisAddr,
			Password: a.cfg.Cache.RedisPassword,
			DB:       a.cfg.Cache.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Cache.RedisAddr, err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Error("failed to close redis client", "error", err)
			}
		})
		a.logger.Info("search cache on redis", "addr", a.cfg.Cache.RedisAddr)
		return cache.NewRedis(client, a.cfg.Cache.RedisPrefix), nil
	default:
		return cache.NewSQL(a.store), nil
	}
}
