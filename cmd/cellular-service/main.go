package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"cellular-service/internal/config"
	"cellular-service/internal/service"
)

var version = "dev" // Default version, can be overridden during build

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.New()
	if err := cfg.Load(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return service.ExitOK
		}
		fmt.Fprintf(os.Stderr, "cellular-service: %v\n", err)
		return service.ExitConfig
	}

	if cfg.Version {
		fmt.Printf("cellular-service %s\n", version)
		return service.ExitOK
	}

	// Create logger - skip timestamps if running under systemd/journald
	var logger *log.Logger
	if os.Getenv("JOURNAL_STREAM") != "" {
		logger = log.New(os.Stdout, "", 0)
	} else {
		logger = log.New(os.Stdout, "cellular-service: ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Debug {
		logger.Printf("Flags given: %s", strings.Join(cfg.Explicit(), ", "))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.New(cfg, logger, version)
	if err != nil {
		logger.Printf("Failed to create service: %v", err)
		return service.ExitCode(err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		logger.Printf("Service failed: %v", err)
		return service.ExitCode(err)
	}
	return service.ExitOK
}
