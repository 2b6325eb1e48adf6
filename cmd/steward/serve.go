package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/steward/internal/api"
	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/connwatch"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/mqtt"
)

// runServe starts the HTTP API and, when a broker is configured, the
// MQTT bridge. It blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives.
func runServe(ctx context.Context, stdout io.Writer, flags cliFlags) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Steward", buildinfo.BuildInfo()...)

	cfg, cfgPath, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg, slog.LevelInfo)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
	)

	bus := events.New()
	rt, err := newRuntime(cfg, flags.runtime, bus, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("runtime close failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, rt.agent, rt.runStore(), bus, logger)

	watch := connwatch.NewManager(bus, logger)
	watch.Watch(ctx, "model:"+rt.modelName, rt.model.Client().Ping, connwatch.DefaultBackoff())
	server.SetHealth(watch)
	if rt.usage != nil {
		server.SetUsage(rt.usage)
	}

	var mqttPub *mqtt.Publisher
	mqttDone := make(chan struct{})
	if cfg.MQTT.Configured() {
		var opts []mqtt.Option
		if cfg.MQTT.Requests {
			opts = append(opts, mqtt.WithRunner(rt.agent.Run))
		}
		mqttPub = mqtt.New(cfg.MQTT, bus, logger, opts...)
		watch.Watch(ctx, "mqtt", func(pctx context.Context) error {
			return mqttPub.AwaitConnection(pctx)
		}, connwatch.Backoff{ProbeTimeout: 2 * time.Second})
		go func() {
			defer close(mqttDone)
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt bridge enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"requests", cfg.MQTT.Requests,
		)
	} else {
		close(mqttDone)
		logger.Info("mqtt bridge disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if mqttPub != nil {
			<-mqttDone
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	<-mqttDone
	logger.Info("Steward stopped")
	return nil
}
