// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"time"

	"github.com/onlidesk/support-broker/internal/protocol"
	"github.com/onlidesk/support-broker/internal/registry"
)

// missedHeartbeatFactor is how many T_hb intervals may elapse with no
// frame activity before a connection is considered a slow peer.
const missedHeartbeatFactor = 2

// LoadProvider supplies the broker's own best-effort health snapshot,
// piggybacked on outgoing heartbeats (never used in protocol logic —
// purely informational for the receiving side's observability).
type LoadProvider func() (serverLoad float32, diskFreeMB uint32)

// Watchdog sends periodic heartbeats on a connection and declares it a
// slow peer if no frame (of any type — Connection.Touch is called by the
// reader on every received frame) has arrived within
// missedHeartbeatFactor*interval.
type Watchdog struct {
	conn     *registry.Connection
	interval time.Duration
	version  byte
	load     LoadProvider
	onStale  func()

	counter uint64
}

// NewWatchdog builds a heartbeat sender+liveness monitor for one
// connection. load may be nil (heartbeats then carry zero load/disk).
func NewWatchdog(conn *registry.Connection, interval time.Duration, version byte, load LoadProvider, onStale func()) *Watchdog {
	return &Watchdog{conn: conn, interval: interval, version: version, load: load, onStale: onStale}
}

// Run drives the send+watch loop until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	staleAfter := time.Duration(missedHeartbeatFactor) * w.interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(w.conn.LastActivity()) > staleAfter {
				if w.onStale != nil {
					w.onStale()
				}
				return
			}
			w.send()
		}
	}
}

func (w *Watchdog) send() {
	w.counter++
	hb := &protocol.Heartbeat{Counter: w.counter}
	if w.load != nil {
		hb.ServerLoad, hb.DiskFreeMB = w.load()
	}
	body, err := protocol.EncodeHeartbeat(hb)
	if err != nil {
		return
	}
	// Best-effort: a full queue here means the connection is already in
	// trouble and the next watchdog tick will declare it stale via the
	// missed-activity check rather than blocking on backpressure.
	w.conn.TryEnqueue(protocol.FrameHeartbeat, w.version, body)
}
