// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import (
	"context"

	"golang.org/x/time/rate"
)

// maxThrottleBurst bounds how many bytes a single Wait call reserves at
// once, so a large chunk doesn't front-load the limiter with one huge
// burst request.
const maxThrottleBurst = 256 * 1024

// Throttle paces a transfer's chunk delivery to a configured bytes/sec
// ceiling via a token-bucket limiter, independent of the AIMD window
// (the window bounds how many chunks may be unacknowledged; the throttle
// bounds how fast bytes may flow regardless of how wide the window is).
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle builds a Throttle capped at bytesPerSec. A non-positive
// rate disables throttling (Wait always returns immediately).
func NewThrottle(bytesPerSec int64) *Throttle {
	if bytesPerSec <= 0 {
		return &Throttle{}
	}
	burst := int(bytesPerSec)
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Wait blocks until n bytes' worth of tokens are available, splitting
// the reservation into burst-sized pieces for large chunks.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > t.limiter.Burst() {
			chunk = t.limiter.Burst()
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
