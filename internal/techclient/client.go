// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package techclient is the reference implementation of the
// technician side of a support session: it dials the broker's
// technician listener, presents a session id to pair, and services
// the relayed control/transfer frames. This package is built straight
// from internal/protocol, in the same connect/read-loop shape as
// internal/endpointclient.
package techclient

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/onlidesk/support-broker/internal/config"
	"github.com/onlidesk/support-broker/internal/pki"
	"github.com/onlidesk/support-broker/internal/protocol"
)

// Handlers are the callbacks invoked as frames arrive on the paired
// connection. All run on the client's single reader goroutine.
type Handlers struct {
	OnControl          func(*protocol.Control)
	OnTransferRequest  func(*protocol.TransferRequest)
	OnTransferResponse func(*protocol.TransferResponse)
	OnTransferChunk    func(*protocol.TransferChunk)
	OnTransferAck      func(*protocol.TransferAck)
	OnTransferProgress func(*protocol.TransferProgress)
	OnClosed           func(reason string)
}

// Client manages one technician's connection to a paired session.
type Client struct {
	cfg      *config.TechnicianConfig
	logger   *slog.Logger
	handlers Handlers

	writeMu sync.Mutex
	conn    net.Conn

	compressionMode byte
	sendMu          transferMu
}

// transferMu serializes SendFile calls (one outstanding transfer at a
// time, the same one-shot-per-action posture as Pair) and holds the
// channels the read loop feeds while a send is in flight.
type transferMu struct {
	mu     sync.Mutex
	respCh chan *protocol.TransferResponse
	ackCh  chan *protocol.TransferAck
}

// New builds an unconnected Client; the session id, already known from
// whatever out-of-band channel shared it with the technician, is passed
// to Pair.
func New(cfg *config.TechnicianConfig, logger *slog.Logger, handlers Handlers) *Client {
	return &Client{cfg: cfg, logger: logger.With("component", "techclient"), handlers: handlers}
}

// Pair dials the broker, presents sid, and blocks servicing frames
// until the session ends or ctx is cancelled. It does not reconnect:
// a dropped pairing requires the technician to re-initiate explicitly.
func (c *Client) Pair(ctx context.Context, sid string) error {
	conn, err := c.connect()
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer conn.Close()
	c.conn = conn

	if err := c.sendPairRequest(conn, sid); err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	c.logger.Info("paired with session", "sid", sid)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return c.readLoop(conn)
}

func (c *Client) connect() (net.Conn, error) {
	tlsCfg, err := pki.NewTechnicianClientTLSConfig(c.cfg.TLS.CACert)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(c.cfg.Server.Address)
	if err != nil {
		host = c.cfg.Server.Address
	}
	tlsCfg.ServerName = host

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.Dial("tcp", c.cfg.Server.Address)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (c *Client) sendPairRequest(conn net.Conn, sid string) error {
	req := &protocol.PairRequest{
		SID:            sid,
		TechnicianAuth: []byte(c.cfg.Auth.StaticSecret),
		TechnicianName: c.cfg.Technician.Name,
	}
	body, err := protocol.EncodePairRequest(req)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, protocol.FramePairRequest, protocol.ProtocolVersion, body); err != nil {
		return err
	}

	typ, _, ackBody, err := protocol.ReadFrame(conn)
	if err != nil {
		return err
	}
	if typ != protocol.FramePairAck {
		return fmt.Errorf("expected pair_ack, got %s", typ)
	}
	ack, err := protocol.DecodePairAck(ackBody)
	if err != nil {
		return err
	}
	if ack.Status != protocol.StatusGo {
		return fmt.Errorf("pairing rejected: status=0x%02x message=%q", ack.Status, ack.Message)
	}
	c.compressionMode = ack.CompressionMode
	return nil
}

func (c *Client) readLoop(conn net.Conn) error {
	for {
		typ, _, body, err := protocol.ReadFrame(conn)
		if err != nil {
			return err
		}

		switch typ {
		case protocol.FrameControl:
			ctl, err := protocol.DecodeControl(body)
			if err != nil {
				return err
			}
			if c.handlers.OnControl != nil {
				c.handlers.OnControl(ctl)
			}

		case protocol.FrameTransferRequest:
			req, err := protocol.DecodeTransferRequest(body)
			if err != nil {
				return err
			}
			if c.handlers.OnTransferRequest != nil {
				c.handlers.OnTransferRequest(req)
			}

		case protocol.FrameTransferResponse:
			resp, err := protocol.DecodeTransferResponse(body)
			if err != nil {
				return err
			}
			if c.handlers.OnTransferResponse != nil {
				c.handlers.OnTransferResponse(resp)
			}
			c.sendMu.mu.Lock()
			ch := c.sendMu.respCh
			c.sendMu.mu.Unlock()
			if ch != nil {
				select {
				case ch <- resp:
				default:
				}
			}

		case protocol.FrameTransferChunk:
			chunk, err := protocol.DecodeTransferChunk(body)
			if err != nil {
				return err
			}
			if c.handlers.OnTransferChunk != nil {
				c.handlers.OnTransferChunk(chunk)
			}

		case protocol.FrameTransferAck:
			ack, err := protocol.DecodeTransferAck(body)
			if err != nil {
				return err
			}
			if c.handlers.OnTransferAck != nil {
				c.handlers.OnTransferAck(ack)
			}
			c.sendMu.mu.Lock()
			ch := c.sendMu.ackCh
			c.sendMu.mu.Unlock()
			if ch != nil {
				select {
				case ch <- ack:
				default:
				}
			}

		case protocol.FrameTransferProgress:
			prog, err := protocol.DecodeTransferProgress(body)
			if err != nil {
				return err
			}
			if c.handlers.OnTransferProgress != nil {
				c.handlers.OnTransferProgress(prog)
			}

		case protocol.FrameHeartbeat:
			// liveness only; the broker drives the relay's watchdog.

		case protocol.FrameClose:
			cl, _ := protocol.DecodeClose(body)
			reason := ""
			if cl != nil {
				reason = cl.Reason
			}
			if c.handlers.OnClosed != nil {
				c.handlers.OnClosed(reason)
			}
			return fmt.Errorf("broker closed session: %s", reason)

		default:
			c.logger.Warn("unexpected frame type", "type", typ)
		}
	}
}

// SendControl relays a control payload (screen/input) to the paired
// endpoint via the broker.
func (c *Client) SendControl(ctl *protocol.Control) error {
	if c.conn == nil {
		return fmt.Errorf("techclient: not paired")
	}
	body, err := protocol.EncodeControl(ctl)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, protocol.FrameControl, protocol.ProtocolVersion, body)
}

func (c *Client) writeFrame(typ protocol.FrameType, body []byte) error {
	if c.conn == nil {
		return fmt.Errorf("techclient: not paired")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, typ, protocol.ProtocolVersion, body)
}

// RespondTransfer accepts or rejects a transfer_request the broker
// forwarded for approval.
func (c *Client) RespondTransfer(tid string, decision byte, message string) error {
	body, err := protocol.EncodeTransferResponse(&protocol.TransferResponse{TID: tid, Decision: decision, Message: message})
	if err != nil {
		return err
	}
	return c.writeFrame(protocol.FrameTransferResponse, body)
}

// clientChunkSize is the chunk size SendFile requests; it sits well
// inside [protocol.MinChunkSize, protocol.MaxChunkSize].
const clientChunkSize = 64 * 1024

// SendFile uploads or downloads path through the paired transfer
// engine: it issues a transfer_request, waits for the approver's
// decision, then streams transfer_chunk frames paced by the window
// value the engine's AIMD accounting (internal/transfer.Window)
// carries back on every transfer_ack, rather than a fixed pipeline
// depth. Only one SendFile may be outstanding at a time; a second call
// made while one is running returns an error at once.
func (c *Client) SendFile(ctx context.Context, direction byte, path string) error {
	c.sendMu.mu.Lock()
	if c.sendMu.respCh != nil {
		c.sendMu.mu.Unlock()
		return fmt.Errorf("techclient: transfer already in progress")
	}
	respCh := make(chan *protocol.TransferResponse, 1)
	ackCh := make(chan *protocol.TransferAck, 8)
	c.sendMu.respCh, c.sendMu.ackCh = respCh, ackCh
	c.sendMu.mu.Unlock()
	defer func() {
		c.sendMu.mu.Lock()
		c.sendMu.respCh, c.sendMu.ackCh = nil, nil
		c.sendMu.mu.Unlock()
	}()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	var checksum [32]byte
	copy(checksum[:], sum.Sum(nil))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reqBody, err := protocol.EncodeTransferRequest(&protocol.TransferRequest{
		Direction:        direction,
		Filename:         filepath.Base(path),
		DeclaredSize:     uint64(info.Size()),
		DeclaredChecksum: checksum,
		ChunkSize:        clientChunkSize,
	})
	if err != nil {
		return err
	}
	if err := c.writeFrame(protocol.FrameTransferRequest, reqBody); err != nil {
		return err
	}

	var resp *protocol.TransferResponse
	select {
	case resp = <-respCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if resp.Decision != protocol.DecisionAccept {
		return fmt.Errorf("transfer rejected: %s", resp.Message)
	}
	tid := resp.TID

	var (
		window   uint32 = 4
		inFlight uint32
		seq      uint32
		sent     uint64
		eof      bool
	)
	buf := make([]byte, clientChunkSize)
	for !eof {
		for inFlight < window && !eof {
			n, rerr := f.Read(buf)
			if n > 0 {
				sent += uint64(n)
				chunkSum := sha256.Sum256(buf[:n])
				wirePayload := protocol.CompressChunk(buf[:n], c.compressionMode != protocol.CompressionModeNone)
				chunkBody, err := protocol.EncodeTransferChunk(&protocol.TransferChunk{
					TID:           tid,
					Seq:           seq,
					IsLast:        sent >= uint64(info.Size()),
					ChunkChecksum: chunkSum,
					Payload:       wirePayload,
				})
				if err != nil {
					return err
				}
				if err := c.writeFrame(protocol.FrameTransferChunk, chunkBody); err != nil {
					return err
				}
				seq++
				inFlight++
			}
			if rerr == io.EOF {
				eof = true
			} else if rerr != nil {
				return fmt.Errorf("reading %s: %w", path, rerr)
			}
		}
		if inFlight == 0 {
			break
		}
		select {
		case ack := <-ackCh:
			if ack.Status == protocol.AckStatusCorrupt {
				return fmt.Errorf("transfer %s: receiver reported a corrupt chunk", tid)
			}
			if ack.Window > 0 {
				window = ack.Window
			}
			inFlight--
			if ack.Status == protocol.AckStatusFinal {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for inFlight > 0 {
		select {
		case ack := <-ackCh:
			if ack.Status == protocol.AckStatusCorrupt {
				return fmt.Errorf("transfer %s: receiver reported a corrupt chunk", tid)
			}
			inFlight--
			if ack.Status == protocol.AckStatusFinal {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
