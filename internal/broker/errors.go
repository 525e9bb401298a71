// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package broker wires the registry, relay, transfer and audit
// components into the broker's two TLS listeners and per-connection
// dispatch loop — the top-level assembly spec.md §2 describes as the
// session-and-transfer broker.
package broker

import "fmt"

// Kind classifies an Error without pinning its message, so callers can
// switch on it (errors.Is-compatible via Unwrap) rather than string-match
// the message.
type Kind string

// Error kinds, per spec.md §7's taxonomy.
const (
	KindProtocol          Kind = "protocol"
	KindAuth              Kind = "auth"
	KindPolicy            Kind = "policy"
	KindResourceExhausted Kind = "resource_exhausted"
	KindIntegrity         Kind = "integrity"
	KindStall             Kind = "stall"
	KindSlowPeer          Kind = "slow_peer"
	KindPeerClosed        Kind = "peer_closed"
	KindTransport         Kind = "transport"
	KindIO                Kind = "io"
	KindInternal          Kind = "internal"
)

// Error wraps an underlying cause with a taxonomy Kind, the unit the
// connection dispatch loop and the transfer engine report through.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an Error of kind, wrapping err with a message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
