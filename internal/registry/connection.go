// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onlidesk/support-broker/internal/protocol"
)

// Role identifies which party a Connection belongs to.
type Role byte

const (
	RoleEndpoint Role = iota
	RoleTechnician
)

func (r Role) String() string {
	if r == RoleTechnician {
		return "technician"
	}
	return "endpoint"
}

// outFrame is one queued outbound frame awaiting the writer goroutine.
type outFrame struct {
	typ     protocol.FrameType
	version byte
	body    []byte
}

// Connection is a framed duplex channel with an associated role, a bounded
// send queue and a liveness timer. Exactly one reader goroutine and one
// writer goroutine operate per connection; all other code sends frames by
// enqueuing onto the connection rather than writing to the socket itself.
type Connection struct {
	Role   Role
	Raw    net.Conn
	logger *slog.Logger

	queue      chan outFrame
	queueTimeout time.Duration

	lastActivity atomic.Int64 // unix nano

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// DefaultSendQueueDepth bounds how many frames may be queued for write
// before Enqueue starts blocking/timing out — the backpressure signal
// the relay and transfer engine react to.
const DefaultSendQueueDepth = 256

// DefaultEnqueueTimeout is how long Enqueue waits for queue space before
// returning ErrSendQueueFull.
const DefaultEnqueueTimeout = 5 * time.Second

// NewConnection wraps raw in a Connection and starts its writer goroutine.
func NewConnection(raw net.Conn, role Role, logger *slog.Logger) *Connection {
	c := &Connection{
		Role:         role,
		Raw:          raw,
		logger:       logger,
		queue:        make(chan outFrame, DefaultSendQueueDepth),
		queueTimeout: DefaultEnqueueTimeout,
		done:         make(chan struct{}),
	}
	c.Touch()
	go c.writeLoop()
	return c
}

// Touch records activity for the idle/heartbeat liveness timer.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last time a frame was observed on this connection.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ErrSendQueueFull signals that the connection's outbound queue has been
// full for longer than queueTimeout — the relay/transfer caller decides
// whether this is fatal (slow_peer) or merely dropped (coalescing).
type ErrSendQueueFull struct{ Role Role }

func (e *ErrSendQueueFull) Error() string {
	return fmt.Sprintf("registry: send queue full for %s connection", e.Role)
}

// Enqueue hands a frame to the writer goroutine, blocking up to
// queueTimeout if the queue is full. It never writes to the socket
// directly — only the single writer goroutine touches Raw for writes.
func (c *Connection) Enqueue(typ protocol.FrameType, version byte, body []byte) error {
	return c.EnqueueTimeout(c.queueTimeout, typ, version, body)
}

// EnqueueTimeout is Enqueue with an explicit wait bound, used by the relay
// to enforce T_backpressure independently of the connection's default.
func (c *Connection) EnqueueTimeout(timeout time.Duration, typ protocol.FrameType, version byte, body []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("registry: connection closed")
	}
	select {
	case c.queue <- outFrame{typ: typ, version: version, body: body}:
		return nil
	case <-time.After(timeout):
		return &ErrSendQueueFull{Role: c.Role}
	case <-c.done:
		return fmt.Errorf("registry: connection closed")
	}
}

// TryEnqueue is a non-blocking Enqueue used by drop-older coalescing: it
// returns false immediately if the queue has no free slot.
func (c *Connection) TryEnqueue(typ protocol.FrameType, version byte, body []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.queue <- outFrame{typ: typ, version: version, body: body}:
		return true
	default:
		return false
	}
}

// QueueDepth reports the current number of frames waiting to be written —
// used by the relay to decide when to coalesce real-time sub-types.
func (c *Connection) QueueDepth() int {
	return len(c.queue)
}

func (c *Connection) writeLoop() {
	for {
		select {
		case f, ok := <-c.queue:
			if !ok {
				return
			}
			if err := protocol.WriteFrame(c.Raw, f.typ, f.version, f.body); err != nil {
				c.logger.Warn("connection write failed", "role", c.Role, "frame", f.typ, "error", err)
				c.Close()
				return
			}
		case <-c.done:
			// Drain whatever is already buffered (a terminal frame
			// enqueued just ahead of Close) before exiting, so it is
			// not lost to the race between this case and the queue
			// case both becoming ready at once.
			for {
				select {
				case f, ok := <-c.queue:
					if !ok {
						return
					}
					if err := protocol.WriteFrame(c.Raw, f.typ, f.version, f.body); err != nil {
						c.logger.Warn("connection write failed", "role", c.Role, "frame", f.typ, "error", err)
						return
					}
				default:
					return
				}
			}
		}
	}
}

// terminalFrameTimeout bounds how long SendError/SendClose wait for queue
// space — both are best-effort, called on paths already tearing a
// connection down, and must never block that teardown for long.
const terminalFrameTimeout = 2 * time.Second

// SendError enqueues an error frame, best-effort. The queue may already
// be draining toward Close; a dropped error frame does not block the
// caller from proceeding to close the connection.
func (c *Connection) SendError(kind, message string) {
	body, err := protocol.EncodeError(&protocol.ErrorFrame{Kind: kind, Message: message})
	if err != nil {
		return
	}
	_ = c.EnqueueTimeout(terminalFrameTimeout, protocol.FrameError, protocol.ProtocolVersion, body)
}

// SendClose enqueues a close frame announcing reason, best-effort.
func (c *Connection) SendClose(reason string) {
	body, err := protocol.EncodeClose(&protocol.CloseFrame{Reason: reason})
	if err != nil {
		return
	}
	_ = c.EnqueueTimeout(terminalFrameTimeout, protocol.FrameClose, protocol.ProtocolVersion, body)
}

// Close terminates the writer goroutine and closes the underlying socket.
// Safe to call multiple times and from multiple goroutines.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.Raw.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}
