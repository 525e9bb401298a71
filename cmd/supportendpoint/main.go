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
	"github.com/onlidesk/support-broker/internal/endpointclient"
	"github.com/onlidesk/support-broker/internal/logging"
	"github.com/onlidesk/support-broker/internal/protocol"
)

func main() {
	configPath := flag.String("config", "/etc/supportendpoint/endpoint.yaml", "path to endpoint config file")
	flag.Parse()

	cfg, err := config.LoadEndpointConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	handlers := endpointclient.Handlers{
		OnPaired: func(sid string) {
			logger.Info("session registered", "sid", sid)
		},
		OnControl: func(c *protocol.Control) {
			logger.Debug("control frame received", "sub_type", c.SubType, "bytes", len(c.Payload))
		},
		OnTransferRequest: func(r *protocol.TransferRequest) {
			logger.Info("transfer requested", "tid", r.TID, "filename", r.Filename, "size", r.DeclaredSize)
		},
		OnClosed: func(reason string) {
			logger.Info("session closed by broker", "reason", reason)
		},
	}

	client := endpointclient.New(cfg, logger, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("endpoint client error", "error", err)
		os.Exit(1)
	}
}
