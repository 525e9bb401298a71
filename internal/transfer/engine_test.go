// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/onlidesk/support-broker/internal/auth"
	"github.com/onlidesk/support-broker/internal/protocol"
	"github.com/onlidesk/support-broker/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pairedSession(t *testing.T) (*registry.Session, net.Conn, net.Conn) {
	t.Helper()
	r := registry.New(registry.Caps{MaxSessionsTotal: 10, MaxSessionsPerEndpoint: 5}, testLogger())

	epRaw, epPeer := net.Pipe()
	epConn := registry.NewConnection(epRaw, registry.RoleEndpoint, testLogger())
	session, err := r.Register(context.Background(), auth.EndpointIdentity{Fingerprint: "fp-1", Name: "kiosk"}, epConn)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	techRaw, techPeer := net.Pipe()
	techConn := registry.NewConnection(techRaw, registry.RoleTechnician, testLogger())
	if _, err := r.Pair(context.Background(), session.SID, auth.TechnicianIdentity{Subject: "tech-1"}, techConn); err != nil {
		t.Fatalf("pair: %v", err)
	}
	return session, epPeer, techPeer
}

func testEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	policy := Policy{
		MaxFileSize:             1 << 20,
		MinChunkSize:            16,
		MaxChunkSize:            1 << 20,
		MaxConcurrentPerSession: 2,
		AutoApproveBelowBytes:   1 << 20,
	}
	cfg := Config{
		ProgressInterval:    time.Second,
		StallTimeout:        time.Second,
		BackpressureTimeout: time.Second,
		ProtocolVersion:     protocol.ProtocolVersion,
	}
	e := NewEngine(NewLocalStore(dir), policy, NewMemQuota(0), cfg, testLogger(), nil)
	return e, dir
}

func chunkChecksum(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

func readFrame(t *testing.T, conn net.Conn, want protocol.FrameType) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, _, body, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != want {
		t.Fatalf("frame type = %v, want %v", typ, want)
	}
	return body
}

func TestHappyUploadAutoApproved(t *testing.T) {
	session, epPeer, techPeer := pairedSession(t)
	defer epPeer.Close()
	defer techPeer.Close()
	e, _ := testEngine(t)

	payload := []byte("hello, support session")
	full := sha256.Sum256(payload)

	req := &protocol.TransferRequest{
		Direction:        protocol.DirectionUpload,
		Filename:         "notes.txt",
		DeclaredSize:     uint64(len(payload)),
		DeclaredChecksum: full,
		ChunkSize:        16,
	}
	techConn := session.Technician()
	if err := e.HandleRequest(session, techConn, req); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}

	body := readFrame(t, techPeer, protocol.FrameTransferResponse)
	resp, err := protocol.DecodeTransferResponse(body)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Decision != protocol.DecisionAccept {
		t.Fatalf("decision = %v, want accept", resp.Decision)
	}

	transfers := e.Snapshot(session.SID)
	if len(transfers) != 1 {
		t.Fatalf("expected 1 live transfer, got %d", len(transfers))
	}
	tid := resp.TID

	chunk1 := payload[:16]
	chunk2 := payload[16:]

	if err := e.HandleChunk(session, techConn, &protocol.TransferChunk{
		TID: tid, Seq: 0, ChunkChecksum: chunkChecksum(chunk1), Payload: chunk1,
	}); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	ack := readFrame(t, techPeer, protocol.FrameTransferAck)
	a, _ := protocol.DecodeTransferAck(ack)
	if a.Status != protocol.AckStatusOK {
		t.Fatalf("ack0 status = %v", a.Status)
	}
	readFrame(t, epPeer, protocol.FrameTransferChunk) // forwarded to endpoint

	if err := e.HandleChunk(session, techConn, &protocol.TransferChunk{
		TID: tid, Seq: 1, IsLast: true, ChunkChecksum: chunkChecksum(chunk2), Payload: chunk2,
	}); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	ack2 := readFrame(t, techPeer, protocol.FrameTransferAck)
	a2, _ := protocol.DecodeTransferAck(ack2)
	if a2.Status != protocol.AckStatusOK {
		t.Fatalf("ack1 status = %v", a2.Status)
	}
	readFrame(t, epPeer, protocol.FrameTransferChunk)
	readFrame(t, epPeer, protocol.FrameTransferProgress)
	readFrame(t, techPeer, protocol.FrameTransferProgress)
	final := readFrame(t, techPeer, protocol.FrameTransferAck)
	fa, _ := protocol.DecodeTransferAck(final)
	if fa.Status != protocol.AckStatusFinal {
		t.Fatalf("final ack status = %v", fa.Status)
	}

	if len(e.Snapshot(session.SID)) != 0 {
		t.Fatalf("completed transfer should be removed from the live map")
	}

	// Verify the committed file matches byte-for-byte.
	stores := e.store.(*LocalStore)
	committed := stores.FinalPath(session.SID, tid, "notes.txt")
	got, err := os.ReadFile(committed)
	if err != nil {
		t.Fatalf("reading committed file: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("committed file = %q, want %q", got, payload)
	}
}

func TestCorruptChunkDoesNotAdvanceBitmap(t *testing.T) {
	session, _, techPeer := pairedSession(t)
	defer techPeer.Close()
	e, _ := testEngine(t)

	req := &protocol.TransferRequest{
		Direction: protocol.DirectionUpload, Filename: "a.bin",
		DeclaredSize: 16, DeclaredChecksum: sha256.Sum256(make([]byte, 16)), ChunkSize: 16,
	}
	techConn := session.Technician()
	if err := e.HandleRequest(session, techConn, req); err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, _ := protocol.DecodeTransferResponse(readFrame(t, techPeer, protocol.FrameTransferResponse))

	bad := make([]byte, 16)
	bad[0] = 0xFF
	if err := e.HandleChunk(session, techConn, &protocol.TransferChunk{
		TID: resp.TID, Seq: 0, ChunkChecksum: [32]byte{}, Payload: bad,
	}); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	ack, _ := protocol.DecodeTransferAck(readFrame(t, techPeer, protocol.FrameTransferAck))
	if ack.Status != protocol.AckStatusCorrupt {
		t.Fatalf("status = %v, want corrupt", ack.Status)
	}

	transfers := e.Snapshot(session.SID)
	if len(transfers) != 1 || transfers[0].assembler.bitmap.Count() != 0 {
		t.Fatalf("bitmap must not advance on corrupt chunk")
	}
}

func TestCancelRejectsFurtherChunks(t *testing.T) {
	session, _, techPeer := pairedSession(t)
	defer techPeer.Close()
	e, _ := testEngine(t)

	req := &protocol.TransferRequest{
		Direction: protocol.DirectionUpload, Filename: "a.bin",
		DeclaredSize: 16, DeclaredChecksum: sha256.Sum256(make([]byte, 16)), ChunkSize: 16,
	}
	techConn := session.Technician()
	e.HandleRequest(session, techConn, req)
	resp, _ := protocol.DecodeTransferResponse(readFrame(t, techPeer, protocol.FrameTransferResponse))

	if err := e.HandleControl(session, &protocol.TransferControl{TID: resp.TID, Action: protocol.TransferActionCancel}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(e.Snapshot(session.SID)) != 0 {
		t.Fatalf("cancelled transfer should be removed")
	}

	payload := make([]byte, 16)
	if err := e.HandleChunk(session, techConn, &protocol.TransferChunk{
		TID: resp.TID, Seq: 0, ChunkChecksum: chunkChecksum(payload), Payload: payload,
	}); err != nil {
		t.Fatalf("chunk after cancel: %v", err)
	}
	// No transfer exists any more, so HandleChunk must be a silent no-op
	// rather than re-creating state.
	if len(e.Snapshot(session.SID)) != 0 {
		t.Fatalf("chunk after cancel must not resurrect a transfer")
	}
}

func TestManualApprovalRoundTrip(t *testing.T) {
	session, epPeer, techPeer := pairedSession(t)
	defer epPeer.Close()
	defer techPeer.Close()
	e, _ := testEngine(t)
	e.policy.RequireApprovalUpload = true
	e.policy.AutoApproveBelowBytes = 0

	req := &protocol.TransferRequest{
		Direction: protocol.DirectionUpload, Filename: "a.bin",
		DeclaredSize: 16, DeclaredChecksum: sha256.Sum256(make([]byte, 16)), ChunkSize: 16,
	}
	if err := e.HandleRequest(session, session.Technician(), req); err != nil {
		t.Fatalf("request: %v", err)
	}

	// Forwarded to the endpoint (the approver, since the technician initiated).
	fwd, _ := protocol.DecodeTransferRequest(readFrame(t, epPeer, protocol.FrameTransferRequest))
	if fwd.TID == "" {
		t.Fatalf("forwarded request missing assigned tid")
	}

	if err := e.HandleResponse(session, session.Endpoint(), &protocol.TransferResponse{TID: fwd.TID, Decision: protocol.DecisionAccept}); err != nil {
		t.Fatalf("response: %v", err)
	}
	resp, _ := protocol.DecodeTransferResponse(readFrame(t, techPeer, protocol.FrameTransferResponse))
	if resp.Decision != protocol.DecisionAccept {
		t.Fatalf("decision = %v, want accept", resp.Decision)
	}
	if len(e.Snapshot(session.SID)) != 1 || e.Snapshot(session.SID)[0].State() != StateInProgress {
		t.Fatalf("transfer should be in_progress after manual accept")
	}
}

func TestResponseFromNonApproverRejected(t *testing.T) {
	session, epPeer, techPeer := pairedSession(t)
	defer epPeer.Close()
	defer techPeer.Close()
	e, _ := testEngine(t)
	e.policy.RequireApprovalUpload = true
	e.policy.AutoApproveBelowBytes = 0

	req := &protocol.TransferRequest{Direction: protocol.DirectionUpload, Filename: "a.bin", DeclaredSize: 16, ChunkSize: 16}
	if err := e.HandleRequest(session, session.Technician(), req); err != nil {
		t.Fatalf("request: %v", err)
	}
	fwd, _ := protocol.DecodeTransferRequest(readFrame(t, epPeer, protocol.FrameTransferRequest))

	if err := e.HandleResponse(session, session.Technician(), &protocol.TransferResponse{TID: fwd.TID, Decision: protocol.DecisionAccept}); err == nil {
		t.Fatalf("expected error when the initiator, not the approver, sends transfer_response")
	}
}

func TestDisallowedExtensionRejectedAtRequestTime(t *testing.T) {
	session, _, techPeer := pairedSession(t)
	defer techPeer.Close()
	e, _ := testEngine(t)
	e.policy.Extensions = ExtensionPolicy{Blocked: []string{"exe"}}

	req := &protocol.TransferRequest{
		Direction: protocol.DirectionUpload, Filename: "payload.exe",
		DeclaredSize: 10, ChunkSize: 16,
	}
	if err := e.HandleRequest(session, session.Technician(), req); err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, _ := protocol.DecodeTransferResponse(readFrame(t, techPeer, protocol.FrameTransferResponse))
	if resp.Decision != protocol.DecisionReject {
		t.Fatalf("decision = %v, want reject", resp.Decision)
	}
	if len(e.Snapshot(session.SID)) != 0 {
		t.Fatalf("rejected-before-admission request must never create a Transfer")
	}
}

func TestCapacityExceeded(t *testing.T) {
	session, _, techPeer := pairedSession(t)
	defer techPeer.Close()
	e, _ := testEngine(t)
	e.policy.MaxConcurrentPerSession = 0

	req := &protocol.TransferRequest{Direction: protocol.DirectionUpload, Filename: "a.bin", DeclaredSize: 10, ChunkSize: 16}
	if err := e.HandleRequest(session, session.Technician(), req); err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, _ := protocol.DecodeTransferResponse(readFrame(t, techPeer, protocol.FrameTransferResponse))
	if resp.Decision != protocol.DecisionReject {
		t.Fatalf("decision = %v, want reject", resp.Decision)
	}
}

func TestWindowAIMD(t *testing.T) {
	w := NewWindow()
	if w.Size() != 4 {
		t.Fatalf("initial window = %d, want 4", w.Size())
	}
	w.OnAck(true)
	if w.Size() != 8 {
		t.Fatalf("after ok ack = %d, want 8", w.Size())
	}
	w.OnAck(false)
	if w.Size() != 4 {
		t.Fatalf("after corrupt ack = %d, want 4", w.Size())
	}
	w.Reset()
	if w.Size() != 4 {
		t.Fatalf("after reset = %d, want 4", w.Size())
	}
}

func TestBitmapLowestUnset(t *testing.T) {
	b := NewBitmap(4)
	b.Set(0)
	b.Set(2)
	seq, ok := b.LowestUnset(4)
	if !ok || seq != 1 {
		t.Fatalf("LowestUnset = %d, %v, want 1, true", seq, ok)
	}
}
