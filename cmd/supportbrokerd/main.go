// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/onlidesk/support-broker/internal/broker"
	"github.com/onlidesk/support-broker/internal/config"
	"github.com/onlidesk/support-broker/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/supportbroker/broker.yaml", "path to broker config file")
	flag.Parse()

	cfg, err := config.LoadBrokerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := broker.Run(ctx, cfg, logger); err != nil {
		logger.Error("broker error", "error", err)
		os.Exit(1)
	}
}
