// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package registry

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// IdleSweeper runs the idle-session sweep on a cron schedule rather than a
// bare time.Ticker, so the sweep cadence is set independently of T_idle
// (e.g. sweep every minute against a 30-minute idle timeout). The broker
// passes a fixed schedule; it is not read from configuration.
type IdleSweeper struct {
	registry    *Registry
	idleTimeout time.Duration
	logger      *slog.Logger
	cron        *cron.Cron
}

// NewIdleSweeper builds a sweeper. schedule is any spec cron.New()
// accepts: a standard 5-field cron expression or a descriptor such as
// "@every 1m"; idleTimeout is T_idle.
func NewIdleSweeper(registry *Registry, schedule string, idleTimeout time.Duration, logger *slog.Logger) (*IdleSweeper, error) {
	s := &IdleSweeper{
		registry:    registry,
		idleTimeout: idleTimeout,
		logger:      logger,
		cron:        cron.New(),
	}
	_, err := s.cron.AddFunc(schedule, s.runOnce)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *IdleSweeper) runOnce() {
	n := s.registry.SweepIdle(s.idleTimeout)
	if n > 0 {
		s.logger.Info("idle sweep terminated sessions", "count", n)
	}
}

// Start begins the cron scheduler. Stop should be called on shutdown.
func (s *IdleSweeper) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *IdleSweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
