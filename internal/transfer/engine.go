// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onlidesk/support-broker/internal/protocol"
	"github.com/onlidesk/support-broker/internal/registry"
)

// Config bounds engine behaviour, sourced from broker configuration.
type Config struct {
	ProgressInterval    time.Duration
	StallTimeout        time.Duration
	BackpressureTimeout time.Duration
	ThroughputCapBps    int64 // 0 disables per-transfer throttling
	ProtocolVersion     byte
}

// AuditFunc is notified of terminal transfer events; the audit package
// (C5) supplies the real sink, tests and callers needing none pass nil.
type AuditFunc func(kind, sid, tid string, bytes uint64)

// Engine owns every transfer multiplexed across every paired session. It
// terminates the transfer_chunk stream itself (verifying and assembling
// into its own staging file — the "core" whose only filesystem
// touchpoints are the Store interface) and relays verified chunks on to
// the non-sending party, so a slow receiver never stalls the sender
// beyond its own connection's queue depth.
type Engine struct {
	store  Store
	policy Policy
	quota  *MemQuota
	cfg    Config
	logger *slog.Logger
	audit  AuditFunc

	mu       sync.RWMutex
	sessions map[string]map[string]*Transfer // sid -> tid -> Transfer
}

// NewEngine builds a Transfer engine.
func NewEngine(store Store, policy Policy, quota *MemQuota, cfg Config, logger *slog.Logger, audit AuditFunc) *Engine {
	return &Engine{
		store:    store,
		policy:   policy,
		quota:    quota,
		cfg:      cfg,
		logger:   logger,
		audit:    audit,
		sessions: make(map[string]map[string]*Transfer),
	}
}

func (e *Engine) put(sid string, t *Transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.sessions[sid]
	if !ok {
		m = make(map[string]*Transfer)
		e.sessions[sid] = m
	}
	m[t.TID] = t
}

func (e *Engine) get(sid, tid string) (*Transfer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.sessions[sid]
	if !ok {
		return nil, false
	}
	t, ok := m[tid]
	return t, ok
}

func (e *Engine) remove(sid, tid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions[sid], tid)
}

// Snapshot returns every non-removed transfer for a session, for
// observability and tests.
func (e *Engine) Snapshot(sid string) []*Transfer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Transfer, 0, len(e.sessions[sid]))
	for _, t := range e.sessions[sid] {
		out = append(out, t)
	}
	return out
}

// ActiveCount reports how many transfers, across every session, are
// not yet in a terminal state — the broker-wide gauge the HTTP
// observability surface reports.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, byTID := range e.sessions {
		for _, t := range byTID {
			if !t.State().Terminal() {
				n++
			}
		}
	}
	return n
}

func newTID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return "tx-" + hex.EncodeToString(raw[:]), nil
}

// counterparty returns the connection opposite from, for routing
// transfer_request to the approver and for picking the other leg a
// verified chunk is forwarded onto.
func counterparty(session *registry.Session, from *registry.Connection) *registry.Connection {
	if from.Role == registry.RoleTechnician {
		return session.Endpoint()
	}
	return session.Technician()
}

// senderConn/receiverConn resolve which paired connection is transmitting
// and which is receiving chunks for t's Direction.
func senderConn(session *registry.Session, t *Transfer) *registry.Connection {
	if t.Direction == protocol.DirectionUpload {
		return session.Technician()
	}
	return session.Endpoint()
}

func receiverConn(session *registry.Session, t *Transfer) *registry.Connection {
	if t.Direction == protocol.DirectionUpload {
		return session.Endpoint()
	}
	return session.Technician()
}

// approverConn resolves which paired connection must decide a
// transfer_request that was not auto-approved — always the party
// opposite whoever initiated it.
func approverConn(session *registry.Session, t *Transfer) *registry.Connection {
	if t.InitiatorIsTech {
		return session.Endpoint()
	}
	return session.Technician()
}

// HandleRequest processes a transfer_request sent by from. It validates
// policy and capacity, then either auto-approves immediately or forwards
// the request (now carrying an assigned TID) to the approver and waits
// for a later transfer_response.
func (e *Engine) HandleRequest(session *registry.Session, from *registry.Connection, req *protocol.TransferRequest) error {
	if err := e.policy.Validate(req.Filename, req.DeclaredSize, req.ChunkSize); err != nil {
		return e.rejectUnadmitted(from, err.Error())
	}
	if !session.IncrementTransfers(e.policy.MaxConcurrentPerSession) {
		return e.rejectUnadmitted(from, "max_concurrent_transfers_per_session exceeded")
	}

	tid, err := newTID()
	if err != nil {
		session.DecrementTransfers()
		return fmt.Errorf("generating transfer id: %w", err)
	}

	t := newTransfer(tid, session.SID, pendingRequest{
		direction:        req.Direction,
		filename:         req.Filename,
		declaredSize:     req.DeclaredSize,
		declaredChecksum: req.DeclaredChecksum,
		chunkSize:        req.ChunkSize,
		initiatorIsTech:  from.Role == registry.RoleTechnician,
	})
	e.put(session.SID, t)

	if e.policy.AutoApprove(req.Direction, req.DeclaredSize) {
		return e.admit(session, t)
	}

	approver := counterparty(session, from)
	body, err := protocol.EncodeTransferRequest(&protocol.TransferRequest{
		TID:              tid,
		Direction:        req.Direction,
		Filename:         req.Filename,
		DeclaredSize:     req.DeclaredSize,
		DeclaredChecksum: req.DeclaredChecksum,
		ChunkSize:        req.ChunkSize,
	})
	if err != nil {
		return err
	}
	return approver.EnqueueTimeout(e.cfg.BackpressureTimeout, protocol.FrameTransferRequest, e.cfg.ProtocolVersion, body)
}

// rejectUnadmitted replies to a request that was rejected before a TID
// was ever assigned — no Transfer object, no temp file, nothing to clean up.
func (e *Engine) rejectUnadmitted(from *registry.Connection, message string) error {
	body, err := protocol.EncodeTransferResponse(&protocol.TransferResponse{Decision: protocol.DecisionReject, Message: message})
	if err != nil {
		return err
	}
	return from.Enqueue(protocol.FrameTransferResponse, e.cfg.ProtocolVersion, body)
}

// HandleResponse processes the approver's transfer_response for a
// request that required manual approval.
func (e *Engine) HandleResponse(session *registry.Session, from *registry.Connection, resp *protocol.TransferResponse) error {
	t, ok := e.get(session.SID, resp.TID)
	if !ok {
		return fmt.Errorf("transfer_response for unknown tid %q", resp.TID)
	}
	if from != approverConn(session, t) {
		return fmt.Errorf("transfer_response for %q from non-approver connection", resp.TID)
	}
	if resp.Decision == protocol.DecisionReject {
		if t.reject() {
			session.DecrementTransfers()
			e.finish(session.SID, t)
			return e.notifyInitiator(session, t, protocol.DecisionReject, resp.Message)
		}
		return nil
	}
	return e.admit(session, t)
}

// admit opens the staging file, installs the throttle, and tells the
// sender side (whichever party that is) that streaming may begin.
func (e *Engine) admit(session *registry.Session, t *Transfer) error {
	if _, err := t.approve(e.store); err != nil {
		e.finish(session.SID, t)
		return err
	}
	if e.cfg.ThroughputCapBps > 0 {
		t.SetThrottle(NewThrottle(e.cfg.ThroughputCapBps))
	}
	return e.notifyInitiator(session, t, protocol.DecisionAccept, "")
}

func (e *Engine) notifyInitiator(session *registry.Session, t *Transfer, decision byte, message string) error {
	initiator := session.Technician()
	if !t.InitiatorIsTech {
		initiator = session.Endpoint()
	}
	body, err := protocol.EncodeTransferResponse(&protocol.TransferResponse{TID: t.TID, Decision: decision, Message: message})
	if err != nil {
		return err
	}
	return initiator.EnqueueTimeout(e.cfg.BackpressureTimeout, protocol.FrameTransferResponse, e.cfg.ProtocolVersion, body)
}

// HandleChunk verifies and assembles a transfer_chunk sent by the
// transfer's sender, acks it, and — once verified — forwards it to the
// receiving party. It is the implementation of §4.4 step 3.
func (e *Engine) HandleChunk(session *registry.Session, from *registry.Connection, chunk *protocol.TransferChunk) error {
	t, ok := e.get(session.SID, chunk.TID)
	if !ok || t.State() == StateCancelled {
		return nil // no chunk accepted after cancel
	}
	if t.State() != StateInProgress {
		return nil
	}
	if from != senderConn(session, t) {
		return nil // chunk from the non-sending party for this direction, ignore
	}

	// MemQuota is advisory here: the payload is already resident (the
	// connection reader decoded it before dispatch), so a failed
	// reservation cannot un-read those bytes. It still bounds how much
	// memory pressure concurrent transfers report to operators, and a
	// future reader-level backpressure hook can consult InUse() before
	// reading the next chunk frame off the wire.
	if e.quota.Reserve(int64(len(chunk.Payload))) {
		defer e.quota.Release(int64(len(chunk.Payload)))
	} else {
		e.logger.Warn("transfer mem quota pressure", "sid", session.SID, "tid", t.TID)
	}

	payload := chunk.Payload
	if session.CompressionMode != protocol.CompressionModeNone {
		decoded, derr := protocol.DecompressChunk(payload, true)
		if derr != nil {
			t.fail(ReasonIO)
			e.finish(session.SID, t)
			if e.audit != nil {
				e.audit("transfer_failed", session.SID, t.TID, uint64(t.BytesTransferred()))
			}
			e.sendError(session, protocol.ErrorKindIO, fmt.Sprintf("transfer %s: decompressing chunk: %v", t.TID, derr))
			return derr
		}
		payload = decoded
	}

	accepted, duplicate, err := t.assembler.WriteChunk(chunk.Seq, payload, chunk.ChunkChecksum)
	if err != nil {
		t.fail(ReasonIO)
		e.finish(session.SID, t)
		if e.audit != nil {
			e.audit("transfer_failed", session.SID, t.TID, uint64(t.BytesTransferred()))
		}
		e.sendError(session, protocol.ErrorKindIO, fmt.Sprintf("transfer %s: %v", t.TID, err))
		return err
	}

	if !accepted {
		t.window.OnAck(false)
		return e.ack(from, t, chunk.Seq, protocol.AckStatusCorrupt)
	}

	t.touchProgress()
	if !duplicate {
		t.window.OnAck(true)
	}

	// Pacing the ack, not the write, is what actually slows a sender: the
	// chunk is already durable, so throttling here bounds the rate at
	// which the sender's own window lets it push the next one.
	if th := t.Throttle(); th != nil && !duplicate {
		if err := th.Wait(context.Background(), len(chunk.Payload)); err != nil {
			return err
		}
	}

	if err := e.ack(from, t, chunk.Seq, protocol.AckStatusOK); err != nil {
		return err
	}

	if !duplicate {
		if dest := receiverConn(session, t); dest != nil && dest != from {
			e.forwardChunk(dest, chunk)
		}
	}

	if chunk.IsLast && t.assembler.Complete() {
		return e.completeTransfer(session, t, from)
	}
	return nil
}

// sendError best-effort broadcasts an error frame to both legs of a
// session. Used for terminal transfer failures that don't end the
// session itself — the connections stay open, only the transfer fails.
func (e *Engine) sendError(session *registry.Session, kind, message string) {
	body, err := protocol.EncodeError(&protocol.ErrorFrame{Kind: kind, Message: message})
	if err != nil {
		return
	}
	for _, conn := range []*registry.Connection{session.Endpoint(), session.Technician()} {
		if conn != nil {
			conn.TryEnqueue(protocol.FrameError, e.cfg.ProtocolVersion, body)
		}
	}
}

func (e *Engine) ack(to *registry.Connection, t *Transfer, seq uint32, status byte) error {
	body, err := protocol.EncodeTransferAck(&protocol.TransferAck{TID: t.TID, Seq: seq, Status: status, Window: uint32(t.window.Size())})
	if err != nil {
		return err
	}
	return to.EnqueueTimeout(e.cfg.BackpressureTimeout, protocol.FrameTransferAck, e.cfg.ProtocolVersion, body)
}

func (e *Engine) forwardChunk(dest *registry.Connection, chunk *protocol.TransferChunk) {
	body, err := protocol.EncodeTransferChunk(chunk)
	if err != nil {
		return
	}
	// Best-effort: the destination's own bounded queue is the flow
	// control for this leg. A full queue here surfaces as ordinary
	// connection backpressure on the receiving party, independent of
	// the sender<->broker AIMD window.
	dest.TryEnqueue(protocol.FrameTransferChunk, e.cfg.ProtocolVersion, body)
}

// EmitProgress sends transfer_progress to both parties for every
// in_progress transfer in sid, on the engine's configured cadence.
func (e *Engine) EmitProgress(session *registry.Session) {
	for _, t := range e.Snapshot(session.SID) {
		if t.State() != StateInProgress {
			continue
		}
		sent := uint64(t.BytesTransferred())
		percent := uint8(0)
		if t.DeclaredSize > 0 {
			percent = uint8(sent * 100 / t.DeclaredSize)
		}
		bps, eta := t.Speed()
		body, err := protocol.EncodeTransferProgress(&protocol.TransferProgress{
			TID:              t.TID,
			BytesTransferred: sent,
			TotalSize:        t.DeclaredSize,
			SpeedBps:         bps,
			ETASeconds:       eta,
			Percent:          percent,
		})
		if err != nil {
			continue
		}
		for _, conn := range []*registry.Connection{session.Endpoint(), session.Technician()} {
			if conn != nil {
				conn.TryEnqueue(protocol.FrameTransferProgress, e.cfg.ProtocolVersion, body)
			}
		}
	}
}

func (e *Engine) completeTransfer(session *registry.Session, t *Transfer, from *registry.Connection) error {
	sum, err := t.assembler.Finalize()
	if err != nil {
		t.fail(ReasonIO)
		e.finish(session.SID, t)
		e.sendError(session, protocol.ErrorKindIO, fmt.Sprintf("transfer %s: %v", t.TID, err))
		return err
	}
	if sum != t.DeclaredChecksum {
		t.fail(ReasonChecksumMismatch)
		t.assembler.Cleanup()
		e.finish(session.SID, t)
		if e.audit != nil {
			e.audit("transfer_failed", session.SID, t.TID, uint64(t.BytesTransferred()))
		}
		e.sendError(session, protocol.ErrorKindIntegrity, fmt.Sprintf("transfer %s failed checksum verification", t.TID))
		return e.ack(from, t, 0, protocol.AckStatusCorrupt)
	}

	finalPath := e.store.FinalPath(session.SID, t.TID, t.Filename)
	if err := t.assembler.Commit(finalPath); err != nil {
		t.fail(ReasonIO)
		e.finish(session.SID, t)
		e.sendError(session, protocol.ErrorKindIO, fmt.Sprintf("transfer %s: %v", t.TID, err))
		return err
	}
	t.complete()
	e.finish(session.SID, t)
	if e.audit != nil {
		e.audit("transfer_completed", session.SID, t.TID, uint64(t.BytesTransferred()))
	}

	body, err := protocol.EncodeTransferProgress(&protocol.TransferProgress{
		TID:              t.TID,
		BytesTransferred: uint64(t.BytesTransferred()),
		TotalSize:        t.DeclaredSize,
		Percent:          100,
	})
	if err == nil {
		for _, conn := range []*registry.Connection{session.Endpoint(), session.Technician()} {
			if conn != nil {
				conn.TryEnqueue(protocol.FrameTransferProgress, e.cfg.ProtocolVersion, body)
			}
		}
	}
	return e.ack(from, t, 0, protocol.AckStatusFinal)
}

// finish drops the Transfer from the live map once it has reached a
// terminal state. It does not touch the session's concurrency counter.
func (e *Engine) finish(sid string, t *Transfer) {
	e.remove(sid, t.TID)
}

// HandleControl processes a transfer_control (pause/resume/cancel).
func (e *Engine) HandleControl(session *registry.Session, ctl *protocol.TransferControl) error {
	t, ok := e.get(session.SID, ctl.TID)
	if !ok {
		return nil
	}
	switch ctl.Action {
	case protocol.TransferActionPause:
		t.pause()
	case protocol.TransferActionResume:
		t.resume()
	case protocol.TransferActionCancel:
		if t.cancel() {
			session.DecrementTransfers()
			if t.assembler != nil {
				t.assembler.Cleanup()
			}
			e.finish(session.SID, t)
			if e.audit != nil {
				e.audit("transfer_cancelled", session.SID, t.TID, uint64(t.BytesTransferred()))
			}
		}
	}
	return nil
}

// CancelSession cancels every non-terminal transfer owned by sid,
// cleaning up its staging files and dropping it from the engine's table.
// Called from the session's terminate hook so a closed session never
// leaves orphaned Transfer entries or temp files behind.
func (e *Engine) CancelSession(session *registry.Session) int {
	e.mu.RLock()
	m := e.sessions[session.SID]
	live := make([]*Transfer, 0, len(m))
	for _, t := range m {
		if !t.State().Terminal() {
			live = append(live, t)
		}
	}
	e.mu.RUnlock()

	for _, t := range live {
		if !t.cancelWithReason(ReasonSessionTerminated) {
			continue
		}
		session.DecrementTransfers()
		if t.assembler != nil {
			t.assembler.Cleanup()
		}
		e.finish(session.SID, t)
		if e.audit != nil {
			e.audit("transfer_cancelled", session.SID, t.TID, uint64(t.BytesTransferred()))
		}
	}
	return len(live)
}

// SweepStalled fails every in_progress transfer across all sessions that
// has made no chunk/ack progress within T_stall.
func (e *Engine) SweepStalled(sessionsBySID map[string]*registry.Session) int {
	e.mu.RLock()
	type target struct {
		sid string
		t   *Transfer
	}
	var stalled []target
	for sid, m := range e.sessions {
		for _, t := range m {
			if t.Stalled(e.cfg.StallTimeout) {
				stalled = append(stalled, target{sid, t})
			}
		}
	}
	e.mu.RUnlock()

	for _, s := range stalled {
		s.t.fail(ReasonStall)
		if s.t.assembler != nil {
			s.t.assembler.Cleanup()
		}
		session, ok := sessionsBySID[s.sid]
		if ok {
			session.DecrementTransfers()
		}
		e.finish(s.sid, s.t)
		if e.audit != nil {
			e.audit("transfer_failed", s.sid, s.t.TID, uint64(s.t.BytesTransferred()))
		}
		if ok {
			e.sendError(session, protocol.ErrorKindStall, fmt.Sprintf("transfer %s: no progress within %s", s.t.TID, e.cfg.StallTimeout))
		}
	}
	return len(stalled)
}
