package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adimov-eth/vibecheck-sub003/internal/app"
	"github.com/adimov-eth/vibecheck-sub003/internal/config"
)

func main() {
	mode := flag.String("mode", "", "run mode: api or worker (overrides VIBECHECK_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		if errors.Is(err, app.ErrBootstrap) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
