// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package registry implements the broker's session registry (C2): create,
// pair, look up and expire sessions, and enforce the global and
// per-endpoint concurrency caps.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onlidesk/support-broker/internal/auth"
	"github.com/onlidesk/support-broker/internal/protocol"
)

// Sentinel errors surfaced by registry operations; callers map these to
// the broker's error taxonomy (auth, policy, resource_exhausted).
var (
	ErrResourceExhausted = errors.New("registry: capacity exhausted")
	ErrSIDNotFound       = errors.New("registry: sid not found")
	ErrAlreadyPaired     = errors.New("registry: sid already paired")
	ErrNotAwaitingPair   = errors.New("registry: sid is not awaiting pairing")
	ErrSIDCollision      = errors.New("registry: could not allocate a unique sid")
)

// Caps bounds concurrent sessions; exceeding either fails Register with
// ErrResourceExhausted.
type Caps struct {
	MaxSessionsTotal       int
	MaxSessionsPerEndpoint int
	CompressionMode        byte // negotiated to every session via register_ack/pair_ack
}

// maxSIDAttempts bounds the collision-retry loop in Register; at this
// alphabet size and length a second collision inside one process's
// lifetime is already astronomically unlikely.
const maxSIDAttempts = 10

// Registry is the broker's live session table. It is shared-mutable:
// per-session structures are owned by that session's own workers and
// mutated only under the session's lock or through its connections'
// queues, per the concurrency model.
type Registry struct {
	caps   Caps
	logger *slog.Logger

	sessions         sync.Map // sid -> *Session
	perEndpointCount sync.Map // endpoint fingerprint -> *atomic.Int32
	totalCount       atomic.Int32

	onTerminate func(*Session) // hook for the relay/transfer engine to tear down owned state
}

// New constructs an empty Registry.
func New(caps Caps, logger *slog.Logger) *Registry {
	return &Registry{caps: caps, logger: logger}
}

// OnTerminate installs a callback invoked synchronously from Terminate
// after the session is marked terminating but before it is marked closed,
// giving the relay/transfer engine a chance to drain and tear down.
func (r *Registry) OnTerminate(fn func(*Session)) {
	r.onTerminate = fn
}

func (r *Registry) endpointCounter(fingerprint string) *atomic.Int32 {
	v, _ := r.perEndpointCount.LoadOrStore(fingerprint, &atomic.Int32{})
	return v.(*atomic.Int32)
}

// Register validates capacity, allocates a fresh sid and creates a session
// in awaiting_pair. The caller has already authenticated endpointAuth via
// the auth interface before calling this.
func (r *Registry) Register(_ context.Context, identity auth.EndpointIdentity, endpointConn *Connection) (*Session, error) {
	if int(r.totalCount.Load()) >= r.caps.MaxSessionsTotal {
		return nil, fmt.Errorf("%w: max_sessions_total", ErrResourceExhausted)
	}
	counter := r.endpointCounter(identity.Fingerprint)
	if int(counter.Load()) >= r.caps.MaxSessionsPerEndpoint {
		return nil, fmt.Errorf("%w: max_sessions_per_endpoint", ErrResourceExhausted)
	}

	var sid string
	for attempt := 0; ; attempt++ {
		if attempt >= maxSIDAttempts {
			return nil, ErrSIDCollision
		}
		candidate, err := generateRawSID()
		if err != nil {
			return nil, err
		}
		if _, exists := r.sessions.Load(candidate); !exists {
			sid = candidate
			break
		}
		r.logger.Warn("sid collision, regenerating", "attempt", attempt)
	}

	session := newSession(sid, identity.Fingerprint, endpointConn, identity.Unattended, r.caps.CompressionMode)
	r.sessions.Store(sid, session)
	r.totalCount.Add(1)
	counter.Add(1)

	r.logger.Info("session registered", "sid", sid, "endpoint", identity.Name, "unattended", identity.Unattended)
	return session, nil
}

// Pair atomically verifies sid exists, is awaiting_pair, and attaches the
// technician connection, transitioning the session to active.
func (r *Registry) Pair(_ context.Context, sid string, identity auth.TechnicianIdentity, technicianConn *Connection) (*Session, error) {
	raw, ok := r.sessions.Load(sid)
	if !ok {
		return nil, ErrSIDNotFound
	}
	session := raw.(*Session)

	// CompareAndSwap guards the race between two concurrent pair_request
	// calls for the same sid: only one observes awaiting_pair and wins;
	// the other gets a definitive answer instead of a torn read.
	if !session.state.CompareAndSwap(int32(StateAwaitingPair), int32(StateActive)) {
		switch session.State() {
		case StateActive:
			return nil, ErrAlreadyPaired
		case StateTerminating, StateClosed:
			return nil, fmt.Errorf("%w: sid %s", ErrSIDNotFound, sid)
		default:
			return nil, ErrNotAwaitingPair
		}
	}

	session.attachTechnician(technicianConn, identity.Subject)
	r.logger.Info("session paired", "sid", sid, "technician", identity.Name)
	return session, nil
}

// Lookup is a constant-time sid lookup.
func (r *Registry) Lookup(sid string) (*Session, bool) {
	raw, ok := r.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return raw.(*Session), true
}

// Terminate is idempotent: it moves sid to terminating, runs the
// registered teardown hook (which cancels non-terminal transfers and
// drains queues), closes both connections, then marks the session closed
// and removes it from the table.
func (r *Registry) Terminate(sid string, reason TerminationReason) {
	raw, ok := r.sessions.Load(sid)
	if !ok {
		return
	}
	session := raw.(*Session)
	if !session.beginTerminating(reason) {
		return // already terminating or closed: idempotent no-op
	}

	r.logger.Info("session terminating", "sid", sid, "reason", reason)

	if r.onTerminate != nil {
		r.onTerminate(session)
	}

	for _, conn := range []*Connection{session.Endpoint(), session.Technician()} {
		if conn == nil {
			continue
		}
		sendTerminalFrame(conn, reason)
		_ = conn.Close()
	}

	session.markClosed()
	r.sessions.Delete(sid)
	r.totalCount.Add(-1)
	r.endpointCounter(session.EndpointFingerprint).Add(-1)

	r.logger.Info("session closed", "sid", sid)
}

// sendTerminalFrame enqueues the wire-level notice that precedes a
// connection's close: an error frame for reasons that are actual
// failures, a plain close frame for an orderly teardown. Best-effort —
// Terminate proceeds to Close either way.
func sendTerminalFrame(conn *Connection, reason TerminationReason) {
	switch reason {
	case ReasonSlowPeer:
		conn.SendError(protocol.ErrorKindSlowPeer, "missed heartbeat deadline")
	case ReasonProtocolViolation:
		conn.SendError(protocol.ErrorKindProtocol, "protocol violation")
	default:
		conn.SendClose(string(reason))
	}
}

// Count returns the current number of live sessions (any non-closed state).
func (r *Registry) Count() int {
	return int(r.totalCount.Load())
}

// Snapshot returns a point-in-time list of live sessions, for the
// observability HTTP surface.
func (r *Registry) Snapshot() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// SweepIdle terminates every session idle for longer than idleTimeout,
// unless it is in unattended mode and its endpoint connection is still
// sending heartbeats (Touch'd more recently than idleTimeout).
func (r *Registry) SweepIdle(idleTimeout time.Duration) int {
	terminated := 0
	r.sessions.Range(func(k, v any) bool {
		session := v.(*Session)
		if session.State() == StateTerminating || session.State() == StateClosed {
			return true
		}
		if session.IdleSince() <= idleTimeout {
			return true
		}
		r.logger.Info("idle session sweep", "sid", session.SID, "idle_for", session.IdleSince())
		r.Terminate(k.(string), ReasonIdleTimeout)
		terminated++
		return true
	})
	return terminated
}
