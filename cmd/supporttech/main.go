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

	"github.com/onlidesk/support-broker/internal/config"
	"github.com/onlidesk/support-broker/internal/logging"
	"github.com/onlidesk/support-broker/internal/protocol"
	"github.com/onlidesk/support-broker/internal/techclient"
)

func main() {
	configPath := flag.String("config", "/etc/supporttech/technician.yaml", "path to technician config file")
	sid := flag.String("sid", "", "session id to pair with, as issued to the endpoint at register time")
	flag.Parse()

	if *sid == "" {
		fmt.Fprintln(os.Stderr, "Error: -sid is required")
		os.Exit(1)
	}

	cfg, err := config.LoadTechnicianConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	handlers := techclient.Handlers{
		OnControl: func(c *protocol.Control) {
			logger.Debug("control frame received", "sub_type", c.SubType, "bytes", len(c.Payload))
		},
		OnTransferProgress: func(p *protocol.TransferProgress) {
			logger.Info("transfer progress", "tid", p.TID, "percent", p.Percent, "speed_bps", p.SpeedBps)
		},
		OnClosed: func(reason string) {
			logger.Info("session closed by broker", "reason", reason)
		},
	}

	client := techclient.New(cfg, logger, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := client.Pair(ctx, *sid); err != nil && ctx.Err() == nil {
		logger.Error("technician client error", "error", err)
		os.Exit(1)
	}
}
