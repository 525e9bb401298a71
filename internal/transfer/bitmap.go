// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import "sync"

// Bitmap is a growable, concurrency-safe bitset tracking which chunk
// indices of a transfer have been durably received — the
// received_chunks_bitmap of a Transfer.
type Bitmap struct {
	mu    sync.RWMutex
	words []uint64
	count int
}

// NewBitmap preallocates storage for total chunk indices.
func NewBitmap(total uint32) *Bitmap {
	return &Bitmap{words: make([]uint64, (total+63)/64)}
}

// Set marks seq received, returning true if this was the first time it
// was marked (duplicate chunks are reported so the caller can skip
// re-writing and re-counting them).
func (b *Bitmap) Set(seq uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	word, bit := seq/64, seq%64
	if int(word) >= len(b.words) {
		grown := make([]uint64, word+1)
		copy(grown, b.words)
		b.words = grown
	}
	mask := uint64(1) << bit
	if b.words[word]&mask != 0 {
		return false
	}
	b.words[word] |= mask
	b.count++
	return true
}

// IsSet reports whether seq has already been received.
func (b *Bitmap) IsSet(seq uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	word, bit := seq/64, seq%64
	if int(word) >= len(b.words) {
		return false
	}
	return b.words[word]&(uint64(1)<<bit) != 0
}

// Count reports how many distinct indices have been marked.
func (b *Bitmap) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Complete reports whether every index in [0, total) has been marked.
func (b *Bitmap) Complete(total uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count == int(total)
}

// LowestUnset returns the smallest seq in [0, total) not yet marked, and
// whether one exists — used to resume a paused sender at the correct
// chunk without resending already-received data.
func (b *Bitmap) LowestUnset(total uint32) (uint32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for seq := uint32(0); seq < total; seq++ {
		word, bit := seq/64, seq%64
		if int(word) >= len(b.words) || b.words[word]&(uint64(1)<<bit) == 0 {
			return seq, true
		}
	}
	return 0, false
}
