package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"neighborly/go-backend/internal/composition/directoryserver"
	"neighborly/go-backend/internal/config"
	"neighborly/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "Path to keys.yaml (optional)")
	envFile := flag.String("env-file", ".env", "Optional .env file with NB_* variables")
	backend := flag.String("backend", "", "Storage backend override: memory | couchdb")
	flag.Parse()
	if *showVersion {
		fmt.Printf("keydirectory version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("keydirectory: %v", err)
	}
	if *backend != "" {
		_ = os.Setenv("NB_SERVER_BACKEND", *backend)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("keydirectory: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger := privacylog.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	srv, err := directoryserver.Build(ctx, cfg.Server, logger)
	if err != nil {
		log.Fatalf("keydirectory failed to initialize: %v", err)
	}

	logger.Info("keydirectory starting", "addr", cfg.Server.Addr, "backend", cfg.Server.Backend, "version", version)
	if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
		log.Fatalf("keydirectory failed: %v", err)
	}
	logger.Info("keydirectory stopped")
}
