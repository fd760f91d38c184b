// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for tiermux. One binary serves
// both roles: a tier agent exposing the execution surface for its tier,
// and the supervisor that routes tasks across the configured chain.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/tiermux/tiermux/internal/buildinfo"
	"github.com/tiermux/tiermux/internal/config"
	"github.com/tiermux/tiermux/internal/fallback"
	"github.com/tiermux/tiermux/internal/health"
	"github.com/tiermux/tiermux/internal/history"
	"github.com/tiermux/tiermux/internal/ipc"
	"github.com/tiermux/tiermux/internal/logging"
	"github.com/tiermux/tiermux/internal/sandbox"
	"github.com/tiermux/tiermux/internal/server"
	"github.com/tiermux/tiermux/internal/snapshot"
	"github.com/tiermux/tiermux/internal/supervisor"
	"github.com/tiermux/tiermux/internal/tools"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "agent", "process mode: agent or supervisor")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Infof("tiermux %s (%s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	// A missing .env is fine; values already in the environment win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "agent":
		runAgent(ctx, cfg)
	case "supervisor":
		runSupervisor(ctx, cfg)
	default:
		log.Fatalf("unknown mode %q (want agent or supervisor)", *mode)
	}
}

// runAgent serves one tier's execution surface.
func runAgent(ctx context.Context, cfg *config.Config) {
	scanner := tools.NewScanner(filepath.Join(cfg.Tools.Dir, "workspace") + string(os.PathSeparator))
	manager := tools.NewManager(cfg.Tools.Dir, scanner)
	if err := manager.Initialize(); err != nil {
		log.Fatalf("failed to initialize tool manager: %v", err)
	}

	if cfg.Tools.HotReload {
		if err := manager.StartWatcher(); err != nil {
			log.Fatalf("failed to start tools watcher: %v", err)
		}
		defer manager.StopWatcher()
	}

	sb := sandbox.New(sandbox.Config{
		MaxExecutionTime: cfg.Sandbox.MaxExecutionTime,
		MaxMemoryMB:      cfg.Sandbox.MaxMemoryMB,
	})
	sb.StartWatchdog(ctx)
	defer sb.StopWatchdog()

	srv := server.New(cfg, manager, sb)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("tier agent exited: %v", err)
	}
}

// runSupervisor routes tasks across the configured tier chain.
func runSupervisor(ctx context.Context, cfg *config.Config) {
	if len(cfg.Tiers) == 0 {
		log.Fatal("no tiers configured")
	}

	rules := make(map[string]string, len(cfg.Tiers))
	clients := make([]supervisor.TierClient, 0, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		clients = append(clients, ipc.NewClient(tier.Name, tier.BaseURL()))
		if tier.SkipWhen != "" {
			rules[tier.Name] = tier.SkipWhen
		}
	}

	policy, err := fallback.NewPolicy(rules)
	if err != nil {
		log.Fatalf("failed to compile routing policy: %v", err)
	}

	var snaps *snapshot.Manager
	if cfg.Snapshots.Dir != "" {
		snaps = snapshot.NewManager(cfg.Tools.Dir, cfg.Snapshots.Dir, cfg.Snapshots.Retention)
	}

	var hist *history.Store
	if cfg.HistoryDB != "" {
		hist, err = history.Open(cfg.HistoryDB)
		if err != nil {
			log.Fatalf("failed to open history store: %v", err)
		}
		defer func() { _ = hist.Close() }()
	}

	sup := supervisor.New(supervisor.Options{
		Clients: clients,
		Policy:  policy,
		Health: health.Config{
			Interval:         cfg.Health.Interval,
			FailureThreshold: cfg.Health.FailureThreshold,
		},
		Snapshots: snaps,
		History:   hist,
	})

	if err = sup.Start(ctx); err != nil {
		log.Fatalf("failed to start supervisor: %v", err)
	}
	defer sup.Stop()

	<-ctx.Done()
	log.Info("supervisor shutting down")
}
