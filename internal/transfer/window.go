// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import "sync"

// defaultWindowCap is the ceiling steady acks multiplicatively climb
// toward; it bounds how many chunks a fast sender may have unacknowledged
// at once.
const defaultWindowCap = 64

// Window implements the sliding-window AIMD flow control a transfer's
// sender is paced against: W starts at 4, grows multiplicatively on
// steady ok acks up to a cap, halves on any corrupt ack, and resets to
// the start value on resume.
type Window struct {
	mu    sync.Mutex
	start int32
	cap   int32
	w     int32
}

// NewWindow creates a Window with a default starting size of 4.
func NewWindow() *Window {
	return &Window{start: 4, cap: defaultWindowCap, w: 4}
}

// Size returns the current window size.
func (w *Window) Size() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w
}

// OnAck adjusts the window for one acknowledgement: ok acks grow it
// multiplicatively (capped), a corrupt ack halves it.
func (w *Window) OnAck(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.w *= 2
		if w.w > w.cap {
			w.w = w.cap
		}
		return
	}
	w.w /= 2
	if w.w < 1 {
		w.w = 1
	}
}

// Reset restores the window to its starting size, called on resume.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w = w.start
}
