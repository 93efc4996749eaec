package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ent0n29/liveavatar/internal/config"
	"github.com/ent0n29/liveavatar/internal/events"
	"github.com/ent0n29/liveavatar/internal/httpapi"
	"github.com/ent0n29/liveavatar/internal/llm"
	"github.com/ent0n29/liveavatar/internal/logging"
	"github.com/ent0n29/liveavatar/internal/observability"
	"github.com/ent0n29/liveavatar/internal/provisioning"
	"github.com/ent0n29/liveavatar/internal/relay"
	"github.com/ent0n29/liveavatar/internal/rtc"
	"github.com/ent0n29/liveavatar/internal/settings"
	"github.com/ent0n29/liveavatar/internal/stream"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *stream.Orchestrator
	Settings     *settings.Store
	Events       *events.Fanout
	Media        *rtc.LoopbackTransport
	Metrics      *observability.Metrics

	// Cleanup closes the live session and releases the event stream and Redis.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := settings.NewStore(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("settings init failed: %w", err)
	}

	eventStream := httpapi.NewEventStream(logging.Component(logger, "sse"))
	fanout := events.NewFanout(eventStream)

	var rdb *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err = events.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
		fanout.Add(events.NewRedisSink(rdb, cfg.RedisEventsChannel, logging.Component(logger, "redis")))
		logger.Info().Str("channel", cfg.RedisEventsChannel).Msg("mirroring events to redis")
	}

	media := rtc.NewLoopbackTransport(logging.Component(logger, "media"))
	orchestrator := stream.New(stream.Deps{
		Provisioner: provisioning.NewClient(cfg.ProvisioningTimeout),
		Media:       rtc.NewAdapter(media, logging.Component(logger, "rtc"), metrics),
		Relay:       relay.NewChannel(cfg.RelayDialTimeout, logging.Component(logger, "relay"), metrics),
		Completer:   llm.NewOpenAI(cfg.OpenAIBaseURL, cfg.LLMTimeout),
		Settings:    store,
		Events:      fanout,
		Metrics:     metrics,
		Logger:      logging.Component(logger, "stream"),
	}, stream.Options{
		HistoryLimit:         cfg.LLMHistoryLimit,
		RollbackPartialStart: cfg.RollbackPartialStart,
	})

	api := httpapi.New(orchestrator, store, eventStream, metrics, logging.Component(logger, "http"))

	cleanup := func(ctx context.Context) error {
		var errs []string
		if err := orchestrator.Close(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := eventStream.Shutdown(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Settings:     store,
		Events:       fanout,
		Media:        media,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
