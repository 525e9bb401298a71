// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	reg := &Register{
		EndpointAuth:  []byte("s3cr3t"),
		EndpointName:  "kiosk-07",
		ClientVersion: "1.2.3",
		Unattended:    true,
	}
	body, err := EncodeRegister(reg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameRegister, ProtocolVersion, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	typ, version, gotBody, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != FrameRegister {
		t.Fatalf("type = %v, want %v", typ, FrameRegister)
	}
	if version != ProtocolVersion {
		t.Fatalf("version = %v, want %v", version, ProtocolVersion)
	}

	got, err := DecodeRegister(gotBody)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EndpointName != reg.EndpointName || got.ClientVersion != reg.ClientVersion || got.Unattended != reg.Unattended {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, reg)
	}
	if !bytes.Equal(got.EndpointAuth, reg.EndpointAuth) {
		t.Fatalf("auth mismatch: got %x, want %x", got.EndpointAuth, reg.EndpointAuth)
	}
}

func TestTransferChunkRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4096)
	sum := sha256.Sum256(payload)
	chunk := &TransferChunk{
		TID:           "TID-1",
		Seq:           42,
		IsLast:        true,
		ChunkChecksum: sum,
		Payload:       payload,
	}
	body, err := EncodeTransferChunk(chunk)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameTransferChunk, ProtocolVersion, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, gotBody, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := DecodeTransferChunk(gotBody)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != chunk.Seq || !got.IsLast || got.ChunkChecksum != chunk.ChunkChecksum {
		t.Fatalf("mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	huge := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(&buf, FrameControl, ProtocolVersion, huge[:MaxFrameSize-1]); err == nil {
		t.Fatalf("expected oversize write to fail")
	}
}

func TestReadFrameTruncated(t *testing.T) {
	_, _, _, err := ReadFrame(bytes.NewReader([]byte{0, 0}))
	if err == nil {
		t.Fatalf("expected error on truncated input")
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := &Heartbeat{Counter: 99, ServerLoad: 0.42, DiskFreeMB: 102400}
	body, err := EncodeHeartbeat(hb)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeHeartbeat(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Counter != hb.Counter || got.DiskFreeMB != hb.DiskFreeMB {
		t.Fatalf("mismatch: %+v", got)
	}
	if got.ServerLoad < 0.41 || got.ServerLoad > 0.43 {
		t.Fatalf("server load mismatch: %v", got.ServerLoad)
	}
}

func TestCompressChunkRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox "), 200)
	compressed := CompressChunk(payload, true)
	if len(compressed) >= len(payload) {
		t.Fatalf("expected compression to shrink repetitive payload")
	}
	out, err := DecompressChunk(compressed, true)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestCompressChunkDisabledPassthrough(t *testing.T) {
	payload := []byte("hello")
	out := CompressChunk(payload, false)
	if !bytes.Equal(out, payload) {
		t.Fatalf("expected passthrough when disabled")
	}
}
