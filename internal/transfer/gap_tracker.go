// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import (
	"sync/atomic"
	"time"
)

// StallTracker watches a transfer's chunk/ack activity and reports
// T_stall violations. A single-sender, strictly-in-order stream (as this
// protocol requires — "the sender transmits chunks strictly in order")
// has no persistent out-of-order gaps to retransmit around, so this
// only needs a last-progress timestamp: any ack or chunk, ok or
// corrupt, counts as progress.
type StallTracker struct {
	lastProgress atomic.Int64 // unix nano
}

// NewStallTracker starts the tracker with progress recorded as now.
func NewStallTracker() *StallTracker {
	st := &StallTracker{}
	st.Touch()
	return st
}

// Touch records that the transfer made progress (a chunk or ack arrived).
func (st *StallTracker) Touch() {
	st.lastProgress.Store(time.Now().UnixNano())
}

// Stalled reports whether more than timeout has elapsed since the last
// recorded progress.
func (st *StallTracker) Stalled(timeout time.Duration) bool {
	return time.Since(time.Unix(0, st.lastProgress.Load())) > timeout
}

// Idle reports time elapsed since the last recorded progress.
func (st *StallTracker) Idle() time.Duration {
	return time.Since(time.Unix(0, st.lastProgress.Load()))
}
