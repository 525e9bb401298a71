// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package monitor

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestMonitorCollectsWithoutError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(logger, t.TempDir(), 10*time.Millisecond)

	m.collect()

	stats := m.Stats()
	if stats.CPUPercent < 0 || stats.MemPercent < 0 {
		t.Fatalf("unexpected negative stats: %+v", stats)
	}
}

func TestMonitorStartStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(logger, t.TempDir(), 5*time.Millisecond)
	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	load, diskFreeMB := m.Load()
	_ = load
	if diskFreeMB == 0 {
		t.Fatalf("expected non-zero disk free after collection")
	}
}
