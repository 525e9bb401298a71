// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package relay implements the relay core (C3): bidirectional forwarding
// of control frames (screen/input passthrough) between a session's
// endpoint and technician connections, with per-direction backpressure
// and real-time coalescing.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/onlidesk/support-broker/internal/protocol"
	"github.com/onlidesk/support-broker/internal/registry"
)

// coalescePollInterval is how often the drain loop retries pending
// coalesced real-time frames against a still-full destination queue.
const coalescePollInterval = 5 * time.Millisecond

// direction forwards control frames from one side of a session to the
// other, classifying by sub-type: reliable frames go straight onto the
// destination connection's own bounded queue (itself the "reliable
// queue" of §4.3 — filling it for longer than backpressureTimeout is
// the slow_peer signal); real-time frames are coalesced by sub-key when
// the destination queue is past hCoalesce depth.
type direction struct {
	dest                *registry.Connection
	hCoalesce           int
	version             byte
	backpressureTimeout time.Duration
	logger              logFunc

	mu      sync.Mutex
	pending map[string]*protocol.Control

	drainSignal chan struct{}
}

type logFunc func(msg string, args ...any)

func newDirection(dest *registry.Connection, hCoalesce int, version byte, backpressureTimeout time.Duration, logger logFunc) *direction {
	return &direction{
		dest:                dest,
		hCoalesce:           hCoalesce,
		version:             version,
		backpressureTimeout: backpressureTimeout,
		logger:              logger,
		pending:             make(map[string]*protocol.Control),
		drainSignal:         make(chan struct{}, 1),
	}
}

// forward classifies and forwards a single control frame. It returns
// *registry.ErrSendQueueFull when a reliable frame could not be delivered
// within the connection's enqueue timeout — the caller treats this as
// the backpressure-exceeded signal and terminates the session.
func (d *direction) forward(c *protocol.Control) error {
	body, err := protocol.EncodeControl(c)
	if err != nil {
		return err
	}

	if c.SubType == protocol.ControlSubTypeReliable {
		return d.dest.EnqueueTimeout(d.backpressureTimeout, protocol.FrameControl, d.version, body)
	}

	// Real-time: try the fast path first (queue has room), falling back
	// to per-sub-key coalescing once depth exceeds hCoalesce.
	if d.dest.QueueDepth() < d.hCoalesce {
		if d.dest.TryEnqueue(protocol.FrameControl, d.version, body) {
			return nil
		}
	}

	d.mu.Lock()
	d.pending[c.SubKey] = c
	d.mu.Unlock()
	d.signalDrain()
	return nil
}

func (d *direction) signalDrain() {
	select {
	case d.drainSignal <- struct{}{}:
	default:
	}
}

func (d *direction) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(coalescePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.drainSignal:
			d.drainPending()
		case <-ticker.C:
			d.drainPending()
		}
	}
}

func (d *direction) drainPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, c := range d.pending {
		body, err := protocol.EncodeControl(c)
		if err != nil {
			delete(d.pending, key)
			continue
		}
		if d.dest.TryEnqueue(protocol.FrameControl, d.version, body) {
			delete(d.pending, key)
		}
		// else: still full, leave it coalesced for the next tick.
	}
}

// Relay owns both forwarding directions for one paired session.
type Relay struct {
	session            *registry.Session
	endpointToTech     *direction
	techToEndpoint     *direction
	backpressureTimeout time.Duration
	logger             logFunc
	onSlowPeer         func(sid string)
}

// Config bounds relay behaviour, sourced from broker configuration.
type Config struct {
	HCoalesce           int
	BackpressureTimeout time.Duration
	ProtocolVersion     byte
}

// New builds a Relay for an already-paired session. onSlowPeer is invoked
// if either direction's reliable queue cannot drain within
// cfg.BackpressureTimeout.
func New(session *registry.Session, cfg Config, logger logFunc, onSlowPeer func(sid string)) *Relay {
	endpoint := session.Endpoint()
	technician := session.Technician()
	return &Relay{
		session:             session,
		endpointToTech:      newDirection(technician, cfg.HCoalesce, cfg.ProtocolVersion, cfg.BackpressureTimeout, logger),
		techToEndpoint:      newDirection(endpoint, cfg.HCoalesce, cfg.ProtocolVersion, cfg.BackpressureTimeout, logger),
		backpressureTimeout: cfg.BackpressureTimeout,
		logger:              logger,
		onSlowPeer:          onSlowPeer,
	}
}

// Start launches both direction drain loops; they exit when ctx (the
// session's own context) is cancelled.
func (r *Relay) Start(ctx context.Context) {
	go r.endpointToTech.drainLoop(ctx)
	go r.techToEndpoint.drainLoop(ctx)
}

// ForwardFromEndpoint relays a control frame originated by the endpoint
// to the technician.
func (r *Relay) ForwardFromEndpoint(c *protocol.Control) {
	r.forward(r.endpointToTech, c)
}

// ForwardFromTechnician relays a control frame originated by the
// technician to the endpoint.
func (r *Relay) ForwardFromTechnician(c *protocol.Control) {
	r.forward(r.techToEndpoint, c)
}

func (r *Relay) forward(dir *direction, c *protocol.Control) {
	if err := dir.forward(c); err != nil {
		r.logger("relay backpressure exceeded, terminating session",
			"sid", r.session.SID, "error", err)
		if r.onSlowPeer != nil {
			r.onSlowPeer(r.session.SID)
		}
	}
}
