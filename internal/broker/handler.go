// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/onlidesk/support-broker/internal/audit"
	"github.com/onlidesk/support-broker/internal/auth"
	"github.com/onlidesk/support-broker/internal/pki"
	"github.com/onlidesk/support-broker/internal/protocol"
	"github.com/onlidesk/support-broker/internal/registry"
	"github.com/onlidesk/support-broker/internal/relay"
)

// connHandler dispatches frames for one accepted connection, from
// register/pair through the paired session's lifetime. One is
// constructed per accepted socket; it never outlives that socket.
type connHandler struct {
	b      *Broker
	raw    net.Conn
	logger *slog.Logger
}

// handleEndpointConnection is the accept-loop entry point for a socket
// accepted on the mTLS endpoint listener.
func (b *Broker) handleEndpointConnection(ctx context.Context, raw net.Conn) {
	h := &connHandler{b: b, raw: raw, logger: b.logger.With("peer", raw.RemoteAddr().String())}
	defer raw.Close()

	typ, _, body, err := protocol.ReadFrame(raw)
	if err != nil {
		h.logger.Warn("reading register frame", "error", err)
		return
	}
	if typ != protocol.FrameRegister {
		h.logger.Warn("expected register frame", "got", typ)
		return
	}
	reg, err := protocol.DecodeRegister(body)
	if err != nil {
		h.logger.Warn("decoding register frame", "error", err)
		return
	}

	identity, ackErr := h.authenticateEndpoint(ctx, raw, reg)
	if ackErr != nil {
		h.sendRegisterAck(raw, statusForAuthErr(ackErr), "", ackErr.Error(), 0)
		return
	}

	conn := registry.NewConnection(raw, registry.RoleEndpoint, h.logger)
	session, err := b.registry.Register(ctx, identity, conn)
	if err != nil {
		status := protocol.StatusResourceExhausted
		h.sendRegisterAck(raw, status, "", "", 0)
		conn.Close()
		return
	}

	if err := h.sendRegisterAck(raw, protocol.StatusGo, session.SID, "", session.CompressionMode); err != nil {
		b.registry.Terminate(session.SID, registry.ReasonEndpointClosed)
		return
	}

	if b.audit != nil {
		b.audit.Append(ctx, audit.Record{Kind: "session_opened", SID: session.SID, Message: identity.Name})
	}

	h.serveSession(ctx, session, conn)
}

// handleTechnicianConnection is the accept-loop entry point for a
// socket accepted on the technician listener.
func (b *Broker) handleTechnicianConnection(ctx context.Context, raw net.Conn) {
	h := &connHandler{b: b, raw: raw, logger: b.logger.With("peer", raw.RemoteAddr().String())}
	defer raw.Close()

	typ, _, body, err := protocol.ReadFrame(raw)
	if err != nil {
		h.logger.Warn("reading pair_request frame", "error", err)
		return
	}
	if typ != protocol.FramePairRequest {
		h.logger.Warn("expected pair_request frame", "got", typ)
		return
	}
	req, err := protocol.DecodePairRequest(body)
	if err != nil {
		h.logger.Warn("decoding pair_request frame", "error", err)
		return
	}

	identity, err := b.technicianAuth.AuthenticateTechnician(ctx, req.TechnicianAuth, req.TechnicianName)
	if err != nil {
		h.sendPairAck(raw, protocol.StatusReject, err.Error(), 0)
		return
	}

	conn := registry.NewConnection(raw, registry.RoleTechnician, h.logger)
	session, err := b.registry.Pair(ctx, req.SID, identity, conn)
	if err != nil {
		h.sendPairAck(raw, statusForPairErr(err), err.Error(), 0)
		conn.Close()
		return
	}

	if err := h.sendPairAck(raw, protocol.StatusGo, "", session.CompressionMode); err != nil {
		b.registry.Terminate(session.SID, registry.ReasonTechnicianClosed)
		return
	}

	b.startPairedWorkers(session)
	if b.audit != nil {
		b.audit.Append(ctx, audit.Record{Kind: "session_paired", SID: session.SID, Message: identity.Name})
	}

	h.serveSession(ctx, session, conn)
}

// authenticateEndpoint trusts the peer certificate fingerprint
// directly when present: the endpoint listener requires and verifies
// the client certificate at the TLS layer (tls.RequireAndVerifyClientCert),
// so by the time a register frame arrives the chain has already been
// checked against the pinned CA — this just binds that verified
// connection to the session identity the registry keys on. A
// connection with no client certificate (never expected on this
// listener, but checked defensively) falls back to the static-secret
// verifier, the unattended-mode path.
func (h *connHandler) authenticateEndpoint(ctx context.Context, raw net.Conn, reg *protocol.Register) (auth.EndpointIdentity, error) {
	if fp := pki.ClientFingerprint(raw); fp != "" {
		return auth.EndpointIdentity{Fingerprint: fp, Name: reg.EndpointName, Unattended: reg.Unattended}, nil
	}
	return h.b.endpointAuth.AuthenticateEndpoint(ctx, reg.EndpointAuth, reg.EndpointName)
}

func (h *connHandler) sendRegisterAck(raw net.Conn, status byte, sid, message string, compressionMode byte) error {
	body, err := protocol.EncodeRegisterAck(&protocol.RegisterAck{Status: status, SID: sid, Message: message, CompressionMode: compressionMode})
	if err != nil {
		return err
	}
	return protocol.WriteFrame(raw, protocol.FrameRegisterAck, protocol.ProtocolVersion, body)
}

func (h *connHandler) sendPairAck(raw net.Conn, status byte, message string, compressionMode byte) error {
	body, err := protocol.EncodePairAck(&protocol.PairAck{Status: status, Message: message, CompressionMode: compressionMode})
	if err != nil {
		return err
	}
	return protocol.WriteFrame(raw, protocol.FramePairAck, protocol.ProtocolVersion, body)
}

func statusForAuthErr(err error) byte {
	return protocol.StatusReject
}

func statusForPairErr(err error) byte {
	switch err {
	case registry.ErrSIDNotFound:
		return protocol.StatusNotFound
	case registry.ErrAlreadyPaired:
		return protocol.StatusAlreadyPaired
	case registry.ErrResourceExhausted:
		return protocol.StatusResourceExhausted
	default:
		return protocol.StatusReject
	}
}

// serveSession runs the read loop for one paired connection (either
// leg) until the session terminates or the socket errs. Every frame
// after register/pair_request flows through here, dispatched by type.
func (h *connHandler) serveSession(ctx context.Context, session *registry.Session, conn *registry.Connection) {
	sessionCtx := session.Context()
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	for {
		typ, _, body, err := protocol.ReadFrame(h.raw)
		if err != nil {
			h.terminate(session, registry.ReasonEndpointClosed, conn.Role)
			return
		}
		conn.Touch()
		// Heartbeats keep only an unattended session out of the idle
		// sweep; an attended session needs other traffic to stay active.
		if typ != protocol.FrameHeartbeat || session.Unattended {
			session.Touch()
		}

		if err := h.dispatch(ctx, session, conn, typ, body); err != nil {
			h.logger.Warn("dispatch failed", "sid", session.SID, "frame", typ, "error", err)
			h.terminate(session, registry.ReasonProtocolViolation, conn.Role)
			return
		}
	}
}

// terminate maps a disconnect to the role-specific reason (which leg
// actually went away); any other reason already names its own cause and
// is passed through unchanged.
func (h *connHandler) terminate(session *registry.Session, reason registry.TerminationReason, role registry.Role) {
	if reason == registry.ReasonEndpointClosed && role == registry.RoleTechnician {
		reason = registry.ReasonTechnicianClosed
	}
	h.b.registry.Terminate(session.SID, reason)
}

func (h *connHandler) dispatch(ctx context.Context, session *registry.Session, from *registry.Connection, typ protocol.FrameType, body []byte) error {
	b := h.b
	switch typ {
	case protocol.FrameControl:
		c, err := protocol.DecodeControl(body)
		if err != nil {
			return err
		}
		r := b.relayFor(session.SID)
		if r == nil {
			return nil
		}
		if from.Role == registry.RoleEndpoint {
			r.ForwardFromEndpoint(c)
		} else {
			r.ForwardFromTechnician(c)
		}
		return nil

	case protocol.FrameTransferRequest:
		req, err := protocol.DecodeTransferRequest(body)
		if err != nil {
			return err
		}
		return b.transferEngine.HandleRequest(session, from, req)

	case protocol.FrameTransferResponse:
		resp, err := protocol.DecodeTransferResponse(body)
		if err != nil {
			return err
		}
		return b.transferEngine.HandleResponse(session, from, resp)

	case protocol.FrameTransferChunk:
		chunk, err := protocol.DecodeTransferChunk(body)
		if err != nil {
			return err
		}
		return b.transferEngine.HandleChunk(session, from, chunk)

	case protocol.FrameTransferControl:
		ctl, err := protocol.DecodeTransferControl(body)
		if err != nil {
			return err
		}
		return b.transferEngine.HandleControl(session, ctl)

	case protocol.FrameHeartbeat:
		// Liveness is tracked via conn.Touch on every frame; the
		// heartbeat's payload carries nothing the dispatch loop acts on.
		return nil

	case protocol.FrameClose:
		cl, _ := protocol.DecodeClose(body)
		reason := registry.ReasonEndpointClosed
		if from.Role == registry.RoleTechnician {
			reason = registry.ReasonTechnicianClosed
		}
		h.logger.Info("peer closed", "sid", session.SID, "reason", cl.Reason)
		b.registry.Terminate(session.SID, reason)
		return nil

	case protocol.FrameError:
		ef, _ := protocol.DecodeError(body)
		return Wrap(Kind(ef.Kind), ef.Message, nil)

	default:
		return fmt.Errorf("%w: unexpected frame type %s", errUnexpectedFrame, typ)
	}
}

var errUnexpectedFrame = fmt.Errorf("protocol violation")

// startPairedWorkers applies the control DSCP mark, then builds and
// starts the relay, both heartbeat watchdogs and the progress ticker for
// a session the moment pairing completes. The registry teardown hook
// that tears this state back down is installed once, in newBroker.
func (b *Broker) startPairedWorkers(session *registry.Session) {
	b.applyControlDSCP(session)

	r := relay.New(session, relay.Config{
		HCoalesce:           b.cfg.Relay.CoalesceDepth,
		BackpressureTimeout: b.cfg.Relay.BackpressureTimeout,
		ProtocolVersion:     protocol.ProtocolVersion,
	}, b.logAdapter, func(sid string) {
		b.registry.Terminate(sid, registry.ReasonSlowPeer)
	})
	r.Start(session.Context())
	b.putRelay(session.SID, r)

	endpointWatchdog := relay.NewWatchdog(session.Endpoint(), b.cfg.Registry.HeartbeatInterval, protocol.ProtocolVersion, b.monitor.Load, func() {
		b.registry.Terminate(session.SID, registry.ReasonSlowPeer)
	})
	go endpointWatchdog.Run(session.Context())

	technicianWatchdog := relay.NewWatchdog(session.Technician(), b.cfg.Registry.HeartbeatInterval, protocol.ProtocolVersion, nil, func() {
		b.registry.Terminate(session.SID, registry.ReasonSlowPeer)
	})
	go technicianWatchdog.Run(session.Context())

	go b.runProgressTicker(session)
}

// applyControlDSCP marks both legs of a paired session's control
// socket with the configured DSCP code point, so screen/input frames
// get queued ahead of bulk transfer traffic on the same wire. A no-op
// when relay.control_dscp is unset.
func (b *Broker) applyControlDSCP(session *registry.Session) {
	dscp, err := relay.ParseDSCP(b.cfg.Relay.ControlDSCP)
	if err != nil || dscp == 0 {
		return
	}
	for _, conn := range []*registry.Connection{session.Endpoint(), session.Technician()} {
		if conn == nil {
			continue
		}
		raw := conn.Raw
		if tlsConn, ok := raw.(*tls.Conn); ok {
			raw = tlsConn.NetConn()
		}
		if err := relay.ApplyDSCP(raw, dscp); err != nil {
			b.logger.Warn("applying control DSCP", "sid", session.SID, "error", err)
		}
	}
}

func (b *Broker) runProgressTicker(session *registry.Session) {
	ticker := time.NewTicker(progressEmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-session.Context().Done():
			return
		case <-ticker.C:
			b.transferEngine.EmitProgress(session)
		}
	}
}

func (b *Broker) logAdapter(msg string, args ...any) {
	b.logger.Warn(msg, args...)
}
