// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package endpointclient is the reference implementation of the
// endpoint side of a support session: it dials the broker's mTLS
// listener, registers, and then services whatever control/transfer
// frames the paired technician sends, reconnecting with backoff on
// any disconnect using a full-duplex reader/writer split, with a
// separate goroutine for the periodic heartbeat.
package endpointclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/onlidesk/support-broker/internal/config"
	"github.com/onlidesk/support-broker/internal/pki"
	"github.com/onlidesk/support-broker/internal/protocol"
)

// Handlers are the callbacks invoked as frames arrive on the paired
// connection. Every handler runs on the client's single reader
// goroutine; handlers that block delay all subsequent frames.
type Handlers struct {
	OnControl          func(*protocol.Control)
	OnTransferRequest  func(*protocol.TransferRequest)
	OnTransferResponse func(*protocol.TransferResponse)
	OnTransferChunk    func(*protocol.TransferChunk)
	OnTransferControl  func(*protocol.TransferControl)
	OnPaired           func(sid string)
	OnClosed           func(reason string)
}

// Client manages one endpoint's long-lived, auto-reconnecting
// relationship with a broker.
type Client struct {
	cfg      *config.EndpointConfig
	logger   *slog.Logger
	handlers Handlers

	connMu sync.Mutex
	conn   net.Conn
	sid    string

	writeMu sync.Mutex
}

// New builds a Client. Handlers may be left zero-valued; a nil
// handler for a frame kind simply drops frames of that kind.
func New(cfg *config.EndpointConfig, logger *slog.Logger, handlers Handlers) *Client {
	return &Client{cfg: cfg, logger: logger.With("component", "endpointclient"), handlers: handlers}
}

// SID returns the session id assigned by the broker's register_ack,
// or "" before registration completes.
func (c *Client) SID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.sid
}

// Run connects, registers, and services frames until ctx is cancelled,
// reconnecting with exponential backoff on any disconnect.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.Retry.InitialDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn("session ended, reconnecting", "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * 2)
		if delay > c.cfg.Retry.MaxDelay {
			delay = c.cfg.Retry.MaxDelay
		}
	}
}

// runOnce performs one connect-register-serve cycle, returning when
// the connection drops or ctx is cancelled.
func (c *Client) runOnce(ctx context.Context) error {
	conn, err := c.connect()
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer conn.Close()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	sid, err := c.register(conn)
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	c.connMu.Lock()
	c.sid = sid
	c.connMu.Unlock()
	c.logger.Info("registered with broker", "sid", sid)
	if c.handlers.OnPaired != nil {
		c.handlers.OnPaired(sid)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- c.heartbeatLoop(ctx, conn) }()
	readErr := c.readLoop(conn)
	<-errCh
	return readErr
}

func (c *Client) connect() (net.Conn, error) {
	tlsCfg, err := pki.NewEndpointClientTLSConfig(c.cfg.TLS.CACert, c.cfg.TLS.ClientCert, c.cfg.TLS.ClientKey)
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

func (c *Client) register(conn net.Conn) (string, error) {
	reg := &protocol.Register{
		EndpointAuth:  []byte(c.cfg.Auth.StaticSecret),
		EndpointName:  c.cfg.Endpoint.Name,
		ClientVersion: Version,
		Unattended:    c.cfg.Endpoint.Unattended,
	}
	body, err := protocol.EncodeRegister(reg)
	if err != nil {
		return "", err
	}
	if err := protocol.WriteFrame(conn, protocol.FrameRegister, protocol.ProtocolVersion, body); err != nil {
		return "", err
	}

	typ, _, ackBody, err := protocol.ReadFrame(conn)
	if err != nil {
		return "", err
	}
	if typ != protocol.FrameRegisterAck {
		return "", fmt.Errorf("expected register_ack, got %s", typ)
	}
	ack, err := protocol.DecodeRegisterAck(ackBody)
	if err != nil {
		return "", err
	}
	if ack.Status != protocol.StatusGo {
		return "", fmt.Errorf("registration rejected: status=0x%02x message=%q", ack.Status, ack.Message)
	}
	return ack.SID, nil
}

// heartbeatInterval mirrors the broker's default registry.heartbeat_interval.
const heartbeatInterval = 15 * time.Second

func (c *Client) heartbeatLoop(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var counter uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			counter++
			body, err := protocol.EncodeHeartbeat(&protocol.Heartbeat{Counter: counter})
			if err != nil {
				return err
			}
			c.writeMu.Lock()
			err = protocol.WriteFrame(conn, protocol.FrameHeartbeat, protocol.ProtocolVersion, body)
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
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

		case protocol.FrameTransferChunk:
			chunk, err := protocol.DecodeTransferChunk(body)
			if err != nil {
				return err
			}
			if c.handlers.OnTransferChunk != nil {
				c.handlers.OnTransferChunk(chunk)
			}

		case protocol.FrameTransferControl:
			ctl, err := protocol.DecodeTransferControl(body)
			if err != nil {
				return err
			}
			if c.handlers.OnTransferControl != nil {
				c.handlers.OnTransferControl(ctl)
			}

		case protocol.FrameHeartbeat:
			// broker->endpoint heartbeats carry load telemetry only;
			// nothing in this reference client acts on it.

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

// SendControl relays a control payload (screen/input) to the broker
// for the current session.
func (c *Client) SendControl(ctl *protocol.Control) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("endpointclient: not connected")
	}
	body, err := protocol.EncodeControl(ctl)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(conn, protocol.FrameControl, protocol.ProtocolVersion, body)
}

// Version is the endpoint client's build version, set via ldflags.
var Version = "dev"
