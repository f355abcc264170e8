// Command eventsgw runs the events-gateway WebSocket server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/taigaio/events-gateway/internal/auth"
	"github.com/taigaio/events-gateway/internal/broker"
	"github.com/taigaio/events-gateway/internal/buildinfo"
	"github.com/taigaio/events-gateway/internal/config"
	"github.com/taigaio/events-gateway/internal/membership"
	"github.com/taigaio/events-gateway/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("starting events-gateway", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(*configPath)
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

	logger.Info("config loaded",
		"path", cfgPath,
		"listen_port", cfg.Listen.Port,
		"broker", cfg.Broker.Name,
		"repo_enabled", cfg.Repo.Enabled,
		"metrics_enabled", cfg.Metrics.Enabled,
	)

	b, err := broker.New(cfg.Broker.Name, cfg.Broker.Kwargs)
	if err != nil {
		logger.Error("failed to initialize broker adapter", "name", cfg.Broker.Name, "error", err)
		os.Exit(1)
	}

	var membershipChecker *membership.Checker
	if cfg.Repo.Configured() {
		membershipChecker, err = membership.Open(cfg.Repo.DSN)
		if err != nil {
			logger.Error("failed to open membership database", "error", err)
			os.Exit(1)
		}
		defer membershipChecker.Close()
		logger.Info("membership check enabled")
	}

	verifier := auth.NewVerifier(cfg.SecretKey)

	srv := server.New(cfg.Listen.Address, cfg.Listen.Port, verifier, b, membershipChecker, cfg.Metrics.Enabled, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("events-gateway stopped")
}
