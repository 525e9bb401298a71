// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import "sync/atomic"

// MemQuota bounds the total number of chunk-payload bytes held in memory,
// broker-wide, between a chunk being read off the wire and its WriteAt
// into a transfer's temp file committing. Reservation is a CAS loop
// rather than a mutex so concurrent transfers never serialize on it.
type MemQuota struct {
	limit   int64
	reserved atomic.Int64
}

// NewMemQuota creates a quota with the given byte ceiling. A limit of 0
// disables bounding (Reserve always succeeds).
func NewMemQuota(limit int64) *MemQuota {
	return &MemQuota{limit: limit}
}

// Reserve attempts to claim n bytes, returning false if doing so would
// exceed the limit. Reserved bytes must be released exactly once.
func (q *MemQuota) Reserve(n int64) bool {
	if q.limit <= 0 {
		return true
	}
	for {
		current := q.reserved.Load()
		if current+n > q.limit {
			return false
		}
		if q.reserved.CompareAndSwap(current, current+n) {
			return true
		}
	}
}

// Release returns n previously reserved bytes to the quota.
func (q *MemQuota) Release(n int64) {
	if q.limit <= 0 {
		return
	}
	q.reserved.Add(-n)
}

// InUse reports currently reserved bytes, for observability.
func (q *MemQuota) InUse() int64 {
	return q.reserved.Load()
}
