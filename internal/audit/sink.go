// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package audit records operationally significant events — transfer
// lifecycle transitions, session open/close, approval decisions — as a
// durable append-only trail independent of the in-memory registry and
// transfer state. A sink failure must never unwind a transfer or
// session; Append is always best-effort from the caller's point of
// view.
package audit

import (
	"context"
	"fmt"
	"time"
)

// Record is one audit entry. Kind names the event
// (session_opened, session_closed, transfer_completed, transfer_failed,
// transfer_cancelled, approval_granted, approval_denied, ...); SID/TID
// are empty when not applicable to the event.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	SID       string    `json:"sid,omitempty"`
	TID       string    `json:"tid,omitempty"`
	Bytes     uint64    `json:"bytes,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Sink persists audit records. Implementations must be safe for
// concurrent use; Append is called from connection-handling goroutines
// and must not block them for long.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// Func adapts a Record-accepting closure into a Sink for tests and for
// the transfer engine's AuditFunc shim.
type Func func(ctx context.Context, rec Record) error

func (f Func) Append(ctx context.Context, rec Record) error { return f(ctx, rec) }
func (f Func) Close() error                                 { return nil }

// RingSink is the default Sink: every Append lands in an in-memory
// Ring (for the observability HTTP surface's recent-events view) and
// is appended to a JSONL file on disk for durability across restarts.
type RingSink struct {
	ring  *Ring
	store *jsonlStore
}

// NewRingSink opens (or creates) the JSONL file at path, replaying its
// tail into a Ring of the given capacity, and returns a ready RingSink.
func NewRingSink(path string, ringCapacity, maxLines int) (*RingSink, error) {
	store, err := openJSONLStore(path, maxLines)
	if err != nil {
		return nil, err
	}
	ring := NewRing(ringCapacity)
	recs, _, err := loadJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("replaying audit file: %w", err)
	}
	start := 0
	if len(recs) > ringCapacity {
		start = len(recs) - ringCapacity
	}
	for _, rec := range recs[start:] {
		ring.Push(rec)
	}
	return &RingSink{ring: ring, store: store}, nil
}

// Append stamps rec's timestamp if unset, records it in the ring and
// appends it to the JSONL file.
func (s *RingSink) Append(_ context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.ring.Push(rec)
	return s.store.append(rec)
}

// Recent returns the most recent limit records from the in-memory ring.
func (s *RingSink) Recent(limit int) []Record { return s.ring.Recent(limit) }

// Close closes the underlying JSONL file handle.
func (s *RingSink) Close() error { return s.store.close() }

// EngineHook adapts a Sink into the transfer engine's narrower
// AuditFunc signature (kind, sid, tid, bytes), stamping the record's
// timestamp at call time.
func EngineHook(sink Sink) func(kind, sid, tid string, bytes uint64) {
	return func(kind, sid, tid string, bytes uint64) {
		_ = sink.Append(context.Background(), Record{
			Timestamp: time.Now(),
			Kind:      kind,
			SID:       sid,
			TID:       tid,
			Bytes:     bytes,
		})
	}
}
