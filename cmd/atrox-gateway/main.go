// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// atrox-gateway runs the per-user node gateway: it starts one worker
// process per logged-in user, keeps the reverse proxy's routing map in
// sync with the live workers, and relays API requests to them.
//
// Configuration comes from the file named by --config or ATROX_CONFIG.
// On SIGTERM/SIGINT the HTTP listeners drain; workers keep running and
// are adopted by the next gateway through the state file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/events"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/forward"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/gateway"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/config"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/process"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/version"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/pun"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/routing"
)

const stateFileName = "pun-state.cbor"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("atrox-gateway", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $ATROX_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("atrox-gateway %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting atrox-gateway",
		"version", version.Info(),
		"environment", string(cfg.Environment),
		"run_dir", cfg.Paths.RunDir,
		"routing_dir", cfg.Routing.ConfigDir,
	)
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, history, closeEvents, err := openEventSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	launcher := pun.NewExecLauncher(pun.ExecLauncherConfig{
		Command:   cfg.Launcher.Command,
		Args:      cfg.Launcher.Args,
		RunAsUser: cfg.Launcher.RunAsUser,
		Logger:    logger.With("component", "launcher"),
	})
	supervisor, err := pun.NewSupervisor(pun.Config{
		RunDir:            cfg.Paths.RunDir,
		StateFile:         filepath.Join(cfg.Paths.StateDir, stateFileName),
		Launcher:          launcher,
		StartupTimeout:    cfg.Launcher.StartupTimeout.Std(),
		ReadinessInterval: cfg.Launcher.ReadinessInterval.Std(),
		StopGrace:         cfg.Launcher.StopGrace.Std(),
		Events:            sink,
		Logger:            logger.With("component", "supervisor"),
	})
	if err != nil {
		return err
	}
	adopted, err := supervisor.Adopt(ctx)
	if err != nil {
		logger.Warn("adopting workers from state file failed", "error", err)
	}

	publisher, err := routing.NewPublisher(routing.PublisherConfig{
		ConfigDir:  cfg.Routing.ConfigDir,
		StagingDir: cfg.Routing.StagingDir,
		Renderer:   routing.Renderer{IdentityVariable: cfg.Routing.IdentityVariable},
		Controller: &routing.CommandController{
			ValidateCommand: cfg.Routing.ValidateCommand,
			ReloadCommand:   cfg.Routing.ReloadCommand,
			Timeout:         cfg.Routing.CommandTimeout.Std(),
			Logger:          logger.With("component", "proxy"),
		},
		Keep:   cfg.Routing.KeepGenerations,
		Logger: logger.With("component", "routing"),
	})
	if err != nil {
		return err
	}
	republish := func(ctx context.Context) {
		err := publisher.Publish(ctx, supervisor.Snapshot())
		var reloadError *routing.ReloadError
		if err != nil && !errors.As(err, &reloadError) {
			logger.Error("publishing routes failed", "error", err)
		}
	}
	// The proxy may hold routes from before a restart; bring it in line
	// with the adopted workers.
	republish(ctx)
	logger.Info("routing published", "workers", adopted, "digest", publisher.InstalledDigest())

	forwarder := forward.New(forward.Config{
		Workers:         supervisor,
		ConnectTimeout:  cfg.Forward.ConnectTimeout.Std(),
		ResponseTimeout: cfg.Forward.ResponseTimeout.Std(),
		Logger:          logger.With("component", "forward"),
	})

	server, err := gateway.NewServer(gateway.ServerConfig{
		Address:         cfg.Listen.Address,
		AdminSocketPath: cfg.Listen.AdminSocket,
		Supervisor:      supervisor,
		Publisher:       publisher,
		Forwarder:       forwarder,
		Identity:        gateway.HeaderIdentity{Header: cfg.Identity.Header},
		History:         history,
		EnsureOnMiss:    cfg.Forward.EnsureOnMiss,
		Logger:          logger.With("component", "gateway"),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	reaper := pun.NewReaper(pun.ReaperConfig{
		Supervisor:  supervisor,
		IdleTimeout: cfg.Reaper.IdleTimeout.Std(),
		Interval:    cfg.Reaper.Interval.Std(),
		OnChange:    republish,
		Logger:      logger.With("component", "reaper"),
	})
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	<-reaperDone
	supervisor.Wait()
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openEventSinks builds the lifecycle event sink from the configured
// backends. history is nil when no audit database is configured.
func openEventSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (events.Sink, gateway.EventHistory, func(), error) {
	var (
		sinks   []events.Sink
		closers []func() error
		history gateway.EventHistory
	)
	closeAll := func() {
		for _, closer := range closers {
			if err := closer(); err != nil {
				logger.Warn("closing event sink", "error", err)
			}
		}
	}

	if cfg.Events.AuditDB != "" {
		audit, err := events.OpenAuditStore(cfg.Events.AuditDB, logger.With("component", "audit"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening audit database: %w", err)
		}
		sinks = append(sinks, audit)
		closers = append(closers, audit.Close)
		history = audit
	}

	if cfg.Events.RedisAddr != "" {
		redisSink, err := events.NewRedisSink(ctx, events.RedisConfig{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
			Stream:   cfg.Events.RedisStream,
		})
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		sinks = append(sinks, redisSink)
		closers = append(closers, redisSink.Close)
	}

	return events.Multi(sinks...), history, closeAll, nil
}
