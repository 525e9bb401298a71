// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

func floatBits(f float32) uint32 { return math.Float32bits(f) }

// Field encoding is fixed-order binary, the same idiom the wire codec has
// always used here: strings and opaque byte fields are length-prefixed
// (u16 for short fields, u32 for chunk payloads) rather than delimited,
// since filenames and technician-supplied text are not guaranteed to
// avoid any particular byte. Fixed field order already satisfies
// "deterministic key-ordered encoding" without a schema library.

func putString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return ErrFieldTooLong
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
	return nil
}

func putBytes16(buf *bytes.Buffer, b []byte) error {
	if len(b) > 0xFFFF {
		return ErrFieldTooLong
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
	return nil
}

func putBytes32(buf *bytes.Buffer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
	return nil
}

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

// EncodeRegister serializes a Register body.
func EncodeRegister(r *Register) ([]byte, error) {
	var buf bytes.Buffer
	if err := putBytes16(&buf, r.EndpointAuth); err != nil {
		return nil, fmt.Errorf("encoding register: %w", err)
	}
	if err := putString(&buf, r.EndpointName); err != nil {
		return nil, fmt.Errorf("encoding register: %w", err)
	}
	if err := putString(&buf, r.ClientVersion); err != nil {
		return nil, fmt.Errorf("encoding register: %w", err)
	}
	putBool(&buf, r.Unattended)
	return buf.Bytes(), nil
}

// EncodeRegisterAck serializes a RegisterAck body.
func EncodeRegisterAck(a *RegisterAck) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(a.Status)
	if err := putString(&buf, a.SID); err != nil {
		return nil, fmt.Errorf("encoding register_ack: %w", err)
	}
	if err := putString(&buf, a.Message); err != nil {
		return nil, fmt.Errorf("encoding register_ack: %w", err)
	}
	buf.WriteByte(a.CompressionMode)
	return buf.Bytes(), nil
}

// EncodePairRequest serializes a PairRequest body.
func EncodePairRequest(p *PairRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, p.SID); err != nil {
		return nil, fmt.Errorf("encoding pair_request: %w", err)
	}
	if err := putBytes16(&buf, p.TechnicianAuth); err != nil {
		return nil, fmt.Errorf("encoding pair_request: %w", err)
	}
	if err := putString(&buf, p.TechnicianName); err != nil {
		return nil, fmt.Errorf("encoding pair_request: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePairAck serializes a PairAck body.
func EncodePairAck(a *PairAck) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(a.Status)
	if err := putString(&buf, a.Message); err != nil {
		return nil, fmt.Errorf("encoding pair_ack: %w", err)
	}
	buf.WriteByte(a.CompressionMode)
	return buf.Bytes(), nil
}

// EncodeControl serializes a Control body.
func EncodeControl(c *Control) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(c.SubType)
	if err := putString(&buf, c.SubKey); err != nil {
		return nil, fmt.Errorf("encoding control: %w", err)
	}
	if err := putBytes32(&buf, c.Payload); err != nil {
		return nil, fmt.Errorf("encoding control: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeTransferRequest serializes a TransferRequest body.
func EncodeTransferRequest(t *TransferRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, t.TID); err != nil {
		return nil, fmt.Errorf("encoding transfer_request: %w", err)
	}
	buf.WriteByte(t.Direction)
	if err := putString(&buf, t.Filename); err != nil {
		return nil, fmt.Errorf("encoding transfer_request: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, t.DeclaredSize); err != nil {
		return nil, fmt.Errorf("encoding transfer_request: %w", err)
	}
	buf.Write(t.DeclaredChecksum[:])
	if err := binary.Write(&buf, binary.BigEndian, t.ChunkSize); err != nil {
		return nil, fmt.Errorf("encoding transfer_request: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeTransferResponse serializes a TransferResponse body.
func EncodeTransferResponse(t *TransferResponse) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, t.TID); err != nil {
		return nil, fmt.Errorf("encoding transfer_response: %w", err)
	}
	buf.WriteByte(t.Decision)
	if err := putString(&buf, t.Message); err != nil {
		return nil, fmt.Errorf("encoding transfer_response: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeTransferChunk serializes a TransferChunk body.
func EncodeTransferChunk(c *TransferChunk) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, c.TID); err != nil {
		return nil, fmt.Errorf("encoding transfer_chunk: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, c.Seq); err != nil {
		return nil, fmt.Errorf("encoding transfer_chunk: %w", err)
	}
	putBool(&buf, c.IsLast)
	buf.Write(c.ChunkChecksum[:])
	if err := putBytes32(&buf, c.Payload); err != nil {
		return nil, fmt.Errorf("encoding transfer_chunk: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeTransferAck serializes a TransferAck body.
func EncodeTransferAck(a *TransferAck) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, a.TID); err != nil {
		return nil, fmt.Errorf("encoding transfer_ack: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, a.Seq); err != nil {
		return nil, fmt.Errorf("encoding transfer_ack: %w", err)
	}
	buf.WriteByte(a.Status)
	if err := binary.Write(&buf, binary.BigEndian, a.Window); err != nil {
		return nil, fmt.Errorf("encoding transfer_ack: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeTransferProgress serializes a TransferProgress body.
func EncodeTransferProgress(p *TransferProgress) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, p.TID); err != nil {
		return nil, fmt.Errorf("encoding transfer_progress: %w", err)
	}
	for _, v := range []uint64{p.BytesTransferred, p.TotalSize, p.SpeedBps} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, fmt.Errorf("encoding transfer_progress: %w", err)
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, p.ETASeconds); err != nil {
		return nil, fmt.Errorf("encoding transfer_progress: %w", err)
	}
	buf.WriteByte(p.Percent)
	return buf.Bytes(), nil
}

// EncodeTransferControl serializes a TransferControl body.
func EncodeTransferControl(c *TransferControl) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, c.TID); err != nil {
		return nil, fmt.Errorf("encoding transfer_control: %w", err)
	}
	buf.WriteByte(c.Action)
	return buf.Bytes(), nil
}

// EncodeHeartbeat serializes a Heartbeat body.
func EncodeHeartbeat(h *Heartbeat) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, h.Counter); err != nil {
		return nil, fmt.Errorf("encoding heartbeat: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, floatBits(h.ServerLoad)); err != nil {
		return nil, fmt.Errorf("encoding heartbeat: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, h.DiskFreeMB); err != nil {
		return nil, fmt.Errorf("encoding heartbeat: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeError serializes an ErrorFrame body.
func EncodeError(e *ErrorFrame) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, e.Kind); err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}
	if err := putString(&buf, e.Message); err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeClose serializes a CloseFrame body.
func EncodeClose(c *CloseFrame) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, c.Reason); err != nil {
		return nil, fmt.Errorf("encoding close: %w", err)
	}
	return buf.Bytes(), nil
}
