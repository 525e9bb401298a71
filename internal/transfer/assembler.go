// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Assembler reassembles a transfer's chunk stream into its final file.
// Unlike a general-purpose out-of-order backup stream, a transfer's
// chunk_size and declared_size are known at open time, so every chunk's
// byte offset is fixed (seq*chunk_size) and can be written directly with
// WriteAt — no in-order fast path or out-of-order staging directory is
// needed, and pwrite is safe for concurrent callers at distinct offsets.
type Assembler struct {
	path        string
	file        *os.File
	chunkSize   uint32
	totalChunks uint32
	lastSize    uint32 // size of the final (possibly short) chunk

	bitmap *Bitmap

	totalBytes atomic.Int64
	finalized  atomic.Bool

	mu       sync.Mutex
	checksum [32]byte
}

// NewAssembler creates (or truncates) the temp file at path and sizes it
// to declaredSize, ready to receive chunks out of order.
func NewAssembler(path string, declaredSize uint64, chunkSize uint32) (*Assembler, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	if declaredSize > 0 {
		if err := f.Truncate(int64(declaredSize)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("sizing temp file: %w", err)
		}
	}

	total := totalChunks(declaredSize, chunkSize)
	last := uint32(declaredSize % uint64(chunkSize))
	if last == 0 {
		last = chunkSize
	}

	return &Assembler{
		path:        path,
		file:        f,
		chunkSize:   chunkSize,
		totalChunks: total,
		lastSize:    last,
		bitmap:      NewBitmap(total),
	}, nil
}

func totalChunks(declaredSize uint64, chunkSize uint32) uint32 {
	if declaredSize == 0 {
		return 0
	}
	return uint32((declaredSize + uint64(chunkSize) - 1) / uint64(chunkSize))
}

// ExpectedSize returns the expected payload length for seq, accounting
// for the final, possibly short, chunk.
func (a *Assembler) ExpectedSize(seq uint32) uint32 {
	if seq == a.totalChunks-1 {
		return a.lastSize
	}
	return a.chunkSize
}

// WriteChunk verifies payload against chunkChecksum and, if it matches,
// writes it at its fixed offset and marks the bitmap. It reports
// (accepted, duplicate, error): duplicate chunks are not re-written or
// re-counted, so a resumed transfer that resends already-received
// chunks stays idempotent.
func (a *Assembler) WriteChunk(seq uint32, payload []byte, chunkChecksum [32]byte) (accepted bool, duplicate bool, err error) {
	if a.bitmap.IsSet(seq) {
		return true, true, nil
	}
	if sha256.Sum256(payload) != chunkChecksum {
		return false, false, nil
	}
	offset := int64(seq) * int64(a.chunkSize)
	if _, err := a.file.WriteAt(payload, offset); err != nil {
		return false, false, fmt.Errorf("writing chunk %d: %w", seq, err)
	}
	if a.bitmap.Set(seq) {
		a.totalBytes.Add(int64(len(payload)))
	}
	return true, false, nil
}

// Complete reports whether every chunk index has been received.
func (a *Assembler) Complete() bool {
	return a.bitmap.Complete(a.totalChunks)
}

// LowestUnset reports the lowest not-yet-received seq, for resume.
func (a *Assembler) LowestUnset() (uint32, bool) {
	return a.bitmap.LowestUnset(a.totalChunks)
}

// BytesTransferred reports bytes durably written so far.
func (a *Assembler) BytesTransferred() int64 {
	return a.totalBytes.Load()
}

// TotalChunks reports ceil(declared_size/chunk_size).
func (a *Assembler) TotalChunks() uint32 {
	return a.totalChunks
}

// Finalize computes the SHA-256 of the fully-assembled file. The file
// must be Complete(); callers compare the result against declared_checksum
// before calling Commit.
func (a *Assembler) Finalize() ([32]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return [32]byte{}, fmt.Errorf("seeking for checksum: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, a.file); err != nil {
		return [32]byte{}, fmt.Errorf("hashing assembled file: %w", err)
	}
	copy(a.checksum[:], hasher.Sum(nil))
	a.finalized.Store(true)
	return a.checksum, nil
}

// Commit closes the temp file and atomically renames it to finalPath.
// Must be called after a successful Finalize.
func (a *Assembler) Commit(finalPath string) error {
	if !a.finalized.Load() {
		return fmt.Errorf("commit before finalize")
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	if err := os.Rename(a.path, finalPath); err != nil {
		return fmt.Errorf("renaming temp to final: %w", err)
	}
	return nil
}

// Cleanup closes and removes the temp file. Safe to call after Commit
// (the rename already moved it, so Remove is a harmless no-op error).
func (a *Assembler) Cleanup() error {
	a.file.Close()
	return os.Remove(a.path)
}
