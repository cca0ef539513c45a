package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/sonuryildirim-max/video-factory-agent/internal/agent"
	"github.com/sonuryildirim-max/video-factory-agent/internal/config"
	"github.com/sonuryildirim-max/video-factory-agent/internal/history"
	"github.com/sonuryildirim-max/video-factory-agent/internal/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}

	store, err := history.Open(historyPath())
	if err != nil {
		log.Warn("job history store unavailable, continuing without it", "error", err)
		store = nil
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(cfg, log, store)
	if err != nil {
		log.Error("agent init failed", "error", err)
		os.Exit(1)
	}
	if err := a.Validate(ctx); err != nil {
		log.Error("startup validation failed", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		log.Error("agent run failed", "error", err)
		os.Exit(1)
	}
}

func historyPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vf-agent", "history.db")
	}
	return filepath.Join(dir, "vf-agent", "history.db")
}
