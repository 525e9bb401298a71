// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateAwaitingPair State = iota
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingPair:
		return "awaiting_pair"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TerminationReason classifies why a session moved to terminating.
type TerminationReason string

const (
	ReasonEndpointClosed    TerminationReason = "endpoint_closed"
	ReasonTechnicianClosed  TerminationReason = "technician_closed"
	ReasonAdminTerminate    TerminationReason = "admin_terminate"
	ReasonIdleTimeout       TerminationReason = "idle"
	ReasonSlowPeer          TerminationReason = "slow_peer"
	ReasonProtocolViolation TerminationReason = "protocol_violation"
)

// Session is the live, in-memory record of one paired endpoint<->technician
// association. Owned fields are mutated only under mu or via atomics;
// Transfer objects belonging to this session live in the transfer engine,
// keyed by sid — the registry only tracks how many are non-terminal, for
// cap enforcement.
type Session struct {
	SID                 string
	CreatedAt           time.Time
	EndpointFingerprint string
	Unattended          bool
	CompressionMode     byte

	state atomic.Int32

	mu                  sync.RWMutex
	technicianIdentity  string
	endpoint            *Connection
	technician          *Connection
	terminationReason   TerminationReason

	activeTransfers atomic.Int32

	lastActivity atomic.Int64 // unix nano, across either connection

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(sid, endpointFingerprint string, endpoint *Connection, unattended bool, compressionMode byte) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		SID:                 sid,
		CreatedAt:           time.Now(),
		EndpointFingerprint: endpointFingerprint,
		Unattended:          unattended,
		CompressionMode:     compressionMode,
		endpoint:            endpoint,
		ctx:                 ctx,
		cancel:              cancel,
	}
	s.state.Store(int32(StateAwaitingPair))
	s.Touch()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Context is cancelled the moment the session begins terminating; every
// worker touching this session observes it at its suspension points.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Touch records activity for the idle-session sweep.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleSince reports how long it has been since any frame moved on this session.
func (s *Session) IdleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Endpoint returns the endpoint connection, or nil before registration
// completes (never, in practice — a session always has an endpoint).
func (s *Session) Endpoint() *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Technician returns the paired technician connection, or nil before pairing.
func (s *Session) Technician() *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.technician
}

// TechnicianIdentity returns the identity established at pairing time.
func (s *Session) TechnicianIdentity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.technicianIdentity
}

// TerminationReason returns why the session began terminating, if it has.
func (s *Session) TerminationReason() TerminationReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminationReason
}

// attachTechnician records the paired technician connection and identity.
// Callers must already have transitioned the session's state to active
// (via an atomic CompareAndSwap) before calling this.
func (s *Session) attachTechnician(conn *Connection, identity string) {
	s.mu.Lock()
	s.technician = conn
	s.technicianIdentity = identity
	s.mu.Unlock()
	s.Touch()
}

// beginTerminating transitions awaiting_pair|active -> terminating. Returns
// false if the session was already terminating or closed (idempotent).
func (s *Session) beginTerminating(reason TerminationReason) bool {
	for {
		cur := State(s.state.Load())
		if cur == StateTerminating || cur == StateClosed {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateTerminating)) {
			s.mu.Lock()
			s.terminationReason = reason
			s.mu.Unlock()
			s.cancel()
			return true
		}
	}
}

// markClosed transitions terminating -> closed. Called by the registry
// once all owned transfers and connections have torn down.
func (s *Session) markClosed() {
	s.state.Store(int32(StateClosed))
}

// IncrementTransfers enforces the per-session concurrency cap at request
// time; returns false if cap would be exceeded.
func (s *Session) IncrementTransfers(max int32) bool {
	for {
		cur := s.activeTransfers.Load()
		if cur >= max {
			return false
		}
		if s.activeTransfers.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// DecrementTransfers is called when a transfer reaches a terminal state.
func (s *Session) DecrementTransfers() {
	s.activeTransfers.Add(-1)
}

// ActiveTransfers reports the current non-terminal transfer count.
func (s *Session) ActiveTransfers() int32 {
	return s.activeTransfers.Load()
}
