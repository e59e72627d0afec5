// Package main is the entry point for the Lumehaven signal aggregator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ff-fab/lumehaven/internal/adapterregistry"
	"github.com/ff-fab/lumehaven/internal/api"
	"github.com/ff-fab/lumehaven/internal/buildinfo"
	"github.com/ff-fab/lumehaven/internal/config"
	"github.com/ff-fab/lumehaven/internal/manager"
	"github.com/ff-fab/lumehaven/internal/mqtt"
	"github.com/ff-fab/lumehaven/internal/store"

	_ "github.com/ff-fab/lumehaven/internal/homeassistant"
	_ "github.com/ff-fab/lumehaven/internal/openhab"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting lumehaven", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "adapters", len(cfg.Adapters))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	st := store.New(cfg.Store.SubscriberQueueSize, cfg.Store.DropLogInterval, logger)

	mgr := manager.New(st,
		manager.WithLogger(logger),
		manager.WithRetryConstants(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay, cfg.Retry.BackoffFactor),
	)

	for _, a := range cfg.Adapters {
		built, err := adapterregistry.Build(adapterregistry.Config{
			Type:   a.Type,
			Name:   a.Name,
			Prefix: a.Prefix,
			URL:    a.URL,
			Tag:    a.Tag,
			Token:  a.Token,
		}, logger.With("adapter", a.Name))
		if err != nil {
			logger.Error("failed to build adapter", "name", a.Name, "type", a.Type, "error", err)
			os.Exit(1)
		}
		if err := mgr.Add(built); err != nil {
			logger.Error("failed to register adapter", "name", a.Name, "error", err)
			os.Exit(1)
		}
		logger.Info("adapter registered", "name", a.Name, "type", a.Type)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.StartAll(ctx)

	server := api.NewServer(api.Config{
		Address:     cfg.Listen.Address,
		Port:        cfg.Listen.Port,
		CORSOrigins: cfg.CORS.Origins,
	}, st, mgr, logger)

	var mqttPublisher *mqtt.Publisher
	if cfg.MQTT != nil && cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			logger.Error("failed to load mqtt instance id", "error", err)
			os.Exit(1)
		}
		mqttPublisher = mqtt.New(*cfg.MQTT, instanceID, st, logger)
		go func() {
			if err := mqttPublisher.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
		logger.Info("mqtt discovery bridge starting", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx := context.Background()
		if err := mgr.StopAll(shutdownCtx); err != nil {
			logger.Error("error stopping adapters", "error", err)
		}
		if mqttPublisher != nil {
			if err := mqttPublisher.Stop(shutdownCtx); err != nil {
				logger.Error("error stopping mqtt bridge", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down server", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("lumehaven stopped")
}
