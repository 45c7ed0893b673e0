// Package main provides the torgate gateway executable: a locally-hosted
// SOCKS5 anonymization gateway that relays CONNECT requests through an
// embedded overlay network client. See spec.md §4.4 for the startup order
// this file and internal/app implement together.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/torgate/torgate/internal/app"
	"github.com/torgate/torgate/pkg/config"
	"github.com/torgate/torgate/pkg/logger"
)

func main() {
	selfCheck := flag.Bool("selfcheck", false, "bootstrap the overlay, then exit 0 without starting services")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "torgate: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torgate: invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	log.Info("torgate starting", "socks_port", cfg.SocksPort, "strict_mode", cfg.StrictMode)

	if err := app.Run(ctx, cfg, log, *selfCheck); err != nil {
		log.Error("torgate exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("torgate shutdown complete")
}
