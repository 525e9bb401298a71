// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package registry

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/onlidesk/support-broker/internal/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pipeConnection(role Role) (*Connection, net.Conn) {
	a, b := net.Pipe()
	return NewConnection(a, role, testLogger()), b
}

func TestRegisterAndPair(t *testing.T) {
	r := New(Caps{MaxSessionsTotal: 10, MaxSessionsPerEndpoint: 5}, testLogger())

	epConn, epPeer := pipeConnection(RoleEndpoint)
	defer epPeer.Close()

	session, err := r.Register(context.Background(), auth.EndpointIdentity{Fingerprint: "fp-1", Name: "kiosk-1"}, epConn)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if session.State() != StateAwaitingPair {
		t.Fatalf("state = %v, want awaiting_pair", session.State())
	}
	if len(session.SID) != sidLength {
		t.Fatalf("sid length = %d, want %d", len(session.SID), sidLength)
	}

	techConn, techPeer := pipeConnection(RoleTechnician)
	defer techPeer.Close()

	paired, err := r.Pair(context.Background(), session.SID, auth.TechnicianIdentity{Subject: "tech-1"}, techConn)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if paired.State() != StateActive {
		t.Fatalf("state = %v, want active", paired.State())
	}
	if paired.Technician() != techConn {
		t.Fatalf("technician connection not attached")
	}

	if _, err := r.Pair(context.Background(), session.SID, auth.TechnicianIdentity{Subject: "tech-2"}, techConn); err != ErrAlreadyPaired {
		t.Fatalf("second pair err = %v, want ErrAlreadyPaired", err)
	}
}

func TestPairUnknownSID(t *testing.T) {
	r := New(Caps{MaxSessionsTotal: 10, MaxSessionsPerEndpoint: 5}, testLogger())
	techConn, techPeer := pipeConnection(RoleTechnician)
	defer techPeer.Close()
	_, err := r.Pair(context.Background(), "ZZZ-ZZZ-ZZZ", auth.TechnicianIdentity{Subject: "t"}, techConn)
	if err != ErrSIDNotFound {
		t.Fatalf("err = %v, want ErrSIDNotFound", err)
	}
}

func TestGlobalCapEnforced(t *testing.T) {
	r := New(Caps{MaxSessionsTotal: 1, MaxSessionsPerEndpoint: 5}, testLogger())

	ep1, peer1 := pipeConnection(RoleEndpoint)
	defer peer1.Close()
	if _, err := r.Register(context.Background(), auth.EndpointIdentity{Fingerprint: "fp-1"}, ep1); err != nil {
		t.Fatalf("first register: %v", err)
	}

	ep2, peer2 := pipeConnection(RoleEndpoint)
	defer peer2.Close()
	if _, err := r.Register(context.Background(), auth.EndpointIdentity{Fingerprint: "fp-2"}, ep2); err == nil {
		t.Fatalf("expected second register to fail on global cap")
	}
}

func TestPerEndpointCapEnforced(t *testing.T) {
	r := New(Caps{MaxSessionsTotal: 10, MaxSessionsPerEndpoint: 1}, testLogger())

	ep1, peer1 := pipeConnection(RoleEndpoint)
	defer peer1.Close()
	if _, err := r.Register(context.Background(), auth.EndpointIdentity{Fingerprint: "fp-1"}, ep1); err != nil {
		t.Fatalf("first register: %v", err)
	}

	ep2, peer2 := pipeConnection(RoleEndpoint)
	defer peer2.Close()
	if _, err := r.Register(context.Background(), auth.EndpointIdentity{Fingerprint: "fp-1"}, ep2); err == nil {
		t.Fatalf("expected second register for same endpoint to fail on per-endpoint cap")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	r := New(Caps{MaxSessionsTotal: 10, MaxSessionsPerEndpoint: 5}, testLogger())
	ep, peer := pipeConnection(RoleEndpoint)
	defer peer.Close()
	session, _ := r.Register(context.Background(), auth.EndpointIdentity{Fingerprint: "fp-1"}, ep)

	calls := 0
	r.OnTerminate(func(*Session) { calls++ })

	r.Terminate(session.SID, ReasonAdminTerminate)
	r.Terminate(session.SID, ReasonAdminTerminate)

	if calls != 1 {
		t.Fatalf("onTerminate called %d times, want 1", calls)
	}
	if _, ok := r.Lookup(session.SID); ok {
		t.Fatalf("terminated session still in registry")
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
}

func TestSweepIdleTerminatesStaleSessions(t *testing.T) {
	r := New(Caps{MaxSessionsTotal: 10, MaxSessionsPerEndpoint: 5}, testLogger())
	ep, peer := pipeConnection(RoleEndpoint)
	defer peer.Close()
	session, _ := r.Register(context.Background(), auth.EndpointIdentity{Fingerprint: "fp-1"}, ep)

	session.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	n := r.SweepIdle(time.Minute)
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if session.TerminationReason() != ReasonIdleTimeout {
		t.Fatalf("termination reason = %v, want idle", session.TerminationReason())
	}
}

func TestFormatSID(t *testing.T) {
	got := FormatSID("ABCDEFGHJ")
	want := "ABC-DEF-GHJ"
	if got != want {
		t.Fatalf("FormatSID = %q, want %q", got, want)
	}
}
