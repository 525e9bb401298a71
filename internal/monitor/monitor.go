// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package monitor periodically samples the broker process's own
// system health — CPU, memory, and free space on the transfer staging
// volume — so it can be piggybacked on heartbeat responses (relay.Watchdog's
// LoadProvider) and reported over the HTTP observability surface
// (observability.Provider.BrokerLoad) without either of those callers
// touching gopsutil directly.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is the broker's latest self-health sample.
type Stats struct {
	CPUPercent float64
	MemPercent float64
	DiskFreeMB uint64
}

// Monitor collects Stats on a fixed interval in the background.
type Monitor struct {
	logger     *slog.Logger
	stagingDir string
	interval   time.Duration

	close chan struct{}
	wg    sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New builds a Monitor sampling disk usage at stagingDir (the
// transfer temp volume) every interval.
func New(logger *slog.Logger, stagingDir string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		logger:     logger.With("component", "monitor"),
		stagingDir: stagingDir,
		interval:   interval,
		close:      make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts collection and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats returns the most recently collected sample.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Load adapts Stats into relay.Watchdog's LoadProvider shape
// (ServerLoad as a 0-100 percent, DiskFreeMB), so the heartbeat's
// piggybacked self-health field can be filled without relay importing
// this package's Stats type.
func (m *Monitor) Load() (serverLoad float32, diskFreeMB uint32) {
	s := m.Stats()
	return float32(s.CPUPercent), uint32(s.DiskFreeMB)
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var s Stats

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(m.stagingDir); err == nil {
		s.DiskFreeMB = d.Free / (1024 * 1024)
	} else {
		m.logger.Debug("failed to collect disk stats", "dir", m.stagingDir, "error", err)
	}

	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()
}
