// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbeema/interpose/pkg/agent"
	"github.com/mbeema/interpose/pkg/config"
	"github.com/mbeema/interpose/pkg/locator"
	"github.com/mbeema/interpose/pkg/memguard"
	"github.com/mbeema/interpose/pkg/table"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		logLevel    string
		watch       bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&watch, "watch", false, "reload filter rules when the config file changes")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("interpose %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Override log level from CLI
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting interpose agent",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	host := buildHost(cfg, logger)

	a := agent.New(cfg, host, version, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}

	var watcher *config.Watcher
	if watch && configPath != "" {
		watcher = config.NewWatcher(configPath, func(newCfg *config.Config) {
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config", zap.Error(err))
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP for explicit config reload
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}

			timeout := cfg.Hook.Teardown.Timeout
			stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
			shutdownDone := make(chan struct{})
			go func() {
				if err := a.Stop(stopCtx); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				logger.Info("interpose agent stopped")
			case <-stopCtx.Done():
				logger.Error("shutdown timed out, forcing restore and exit",
					zap.Duration("timeout", timeout))
				if err := a.ForceUninstallHook(); err != nil {
					logger.Error("forced restore failed", zap.Error(err))
				}
				stopCancel()
				os.Exit(1)
			}
			stopCancel()
			cancel()
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			} else {
				logger.Info("configuration reloaded successfully")
			}
		}
	}
}

// buildHost assembles the patching environment. With an explicit table
// address the agent patches foreign memory: symbols resolve through
// /proc/kallsyms and slot writes go through mprotect. Without one it
// runs against an in-process demo table whose every slot delegates to
// read(2), which is enough to exercise the full install/filter/uninstall
// path on unprivileged machines.
func buildHost(cfg *config.Config, logger *zap.Logger) agent.Host {
	callables := table.NewCallables()

	if cfg.Hook.Table.Address != 0 || cfg.Hook.Table.Resolver == "kallsyms" {
		return agent.Host{
			Resolver:  locator.NewKallsymsResolver("/proc/kallsyms"),
			Callables: callables,
			Guard:     memguard.NewMprotect(unix.PROT_READ),
		}
	}

	readEntry := callables.Register(func(fd int, p []byte) (int, error) {
		return unix.Read(fd, p)
	})
	slots := make([]table.Entry, cfg.Hook.Table.Length)
	for i := range slots {
		slots[i] = readEntry
	}
	tab := table.NewFromSlice(slots)

	resolver := locator.NewStaticResolver()
	resolver.Register(cfg.Hook.Table.Symbol, tab.Base())
	logger.Info("demo table created",
		zap.String("symbol", cfg.Hook.Table.Symbol),
		zap.Uintptr("base", tab.Base()),
		zap.Int("length", tab.Len()),
	)

	return agent.Host{
		Resolver:  resolver,
		Callables: callables,
		Guard:     memguard.NoopGuard{},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default locations
	defaults := []string{
		"configs/interpose.yaml",
		"/etc/interpose/interpose.yaml",
		"/etc/interpose.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	return config.DefaultConfig(), nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
