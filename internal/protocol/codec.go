// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// WriteFrame writes the length-prefixed envelope: u32 length (of type +
// version + body) | u8 type | u8 version | body.
func WriteFrame(w io.Writer, typ FrameType, version byte, body []byte) error {
	total := 2 + len(body)
	if total > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrOversizeFrame, total)
	}

	header := make([]byte, 4+2)
	binary.BigEndian.PutUint32(header[0:4], uint32(total))
	header[4] = byte(typ)
	header[5] = version

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("writing frame body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its type, version
// and raw body. An oversize or truncated length causes the connection to
// be treated as protocol-fatal by the caller.
func ReadFrame(r io.Reader) (FrameType, byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, 0, nil, fmt.Errorf("reading frame length: %w", err)
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < 2 {
		return 0, 0, nil, fmt.Errorf("%w: length %d too small for type+version", ErrTruncatedFrame, total)
	}
	if total > MaxFrameSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrOversizeFrame, total)
	}

	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, 0, nil, fmt.Errorf("reading frame body: %w", err)
	}

	return FrameType(rest[0]), rest[1], rest[2:], nil
}

// chunkEncoder holds the zstd encoder/decoder pair the compression hook
// shares across all chunks.
type chunkEncoder struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var defaultChunkCodec *chunkEncoder

func init() {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("protocol: initializing zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("protocol: initializing zstd decoder: %v", err))
	}
	defaultChunkCodec = &chunkEncoder{enc: enc, dec: dec}
}

// CompressChunk applies the optional codec-layer compression hook to a
// chunk payload (open question §9 resolved as additional-to-TLS,
// scoped to transfer_chunk payloads only). Pass enabled=false to skip.
func CompressChunk(payload []byte, enabled bool) []byte {
	if !enabled || len(payload) == 0 {
		return payload
	}
	return defaultChunkCodec.enc.EncodeAll(payload, make([]byte, 0, len(payload)))
}

// DecompressChunk reverses CompressChunk.
func DecompressChunk(payload []byte, enabled bool) ([]byte, error) {
	if !enabled || len(payload) == 0 {
		return payload, nil
	}
	out, err := defaultChunkCodec.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk: %w", err)
	}
	return out, nil
}
