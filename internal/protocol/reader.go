// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// cursor is a tiny bounds-checked reader over an already-buffered body
// slice — frame bodies are never larger than MaxFrameSize and arrive as a
// single []byte from ReadFrame, so there is no need for io.Reader here.
type cursor struct {
	b   []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.b) - c.pos }

func (c *cursor) take(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, ErrTruncatedFrame
	}
	out := c.b[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

func (c *cursor) byte() (byte, error) {
	v, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (c *cursor) uint32() (uint32, error) {
	v, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

func (c *cursor) uint64() (uint64, error) {
	v, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func (c *cursor) int64() (int64, error) {
	v, err := c.uint64()
	return int64(v), err
}

func (c *cursor) string() (string, error) {
	n, err := c.take(2)
	if err != nil {
		return "", err
	}
	l := int(binary.BigEndian.Uint16(n))
	v, err := c.take(l)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (c *cursor) bytes16() ([]byte, error) {
	n, err := c.take(2)
	if err != nil {
		return nil, err
	}
	l := int(binary.BigEndian.Uint16(n))
	v, err := c.take(l)
	if err != nil {
		return nil, err
	}
	out := make([]byte, l)
	copy(out, v)
	return out, nil
}

func (c *cursor) bytes32() ([]byte, error) {
	n, err := c.take(4)
	if err != nil {
		return nil, err
	}
	l := int(binary.BigEndian.Uint32(n))
	v, err := c.take(l)
	if err != nil {
		return nil, err
	}
	out := make([]byte, l)
	copy(out, v)
	return out, nil
}

func (c *cursor) fixed32() ([32]byte, error) {
	var out [32]byte
	v, err := c.take(32)
	if err != nil {
		return out, err
	}
	copy(out[:], v)
	return out, nil
}

func (c *cursor) boolean() (bool, error) {
	v, err := c.byte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// DecodeRegister parses a Register body.
func DecodeRegister(body []byte) (*Register, error) {
	c := &cursor{b: body}
	auth, err := c.bytes16()
	if err != nil {
		return nil, fmt.Errorf("decoding register: %w", err)
	}
	name, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding register: %w", err)
	}
	ver, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding register: %w", err)
	}
	unattended, err := c.boolean()
	if err != nil {
		return nil, fmt.Errorf("decoding register: %w", err)
	}
	return &Register{EndpointAuth: auth, EndpointName: name, ClientVersion: ver, Unattended: unattended}, nil
}

// DecodeRegisterAck parses a RegisterAck body.
func DecodeRegisterAck(body []byte) (*RegisterAck, error) {
	c := &cursor{b: body}
	status, err := c.byte()
	if err != nil {
		return nil, fmt.Errorf("decoding register_ack: %w", err)
	}
	sid, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding register_ack: %w", err)
	}
	msg, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding register_ack: %w", err)
	}
	var compressionMode byte
	if c.remaining() > 0 {
		compressionMode, err = c.byte()
		if err != nil {
			return nil, fmt.Errorf("decoding register_ack: %w", err)
		}
	}
	return &RegisterAck{Status: status, SID: sid, Message: msg, CompressionMode: compressionMode}, nil
}

// DecodePairRequest parses a PairRequest body.
func DecodePairRequest(body []byte) (*PairRequest, error) {
	c := &cursor{b: body}
	sid, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding pair_request: %w", err)
	}
	auth, err := c.bytes16()
	if err != nil {
		return nil, fmt.Errorf("decoding pair_request: %w", err)
	}
	name, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding pair_request: %w", err)
	}
	return &PairRequest{SID: sid, TechnicianAuth: auth, TechnicianName: name}, nil
}

// DecodePairAck parses a PairAck body.
func DecodePairAck(body []byte) (*PairAck, error) {
	c := &cursor{b: body}
	status, err := c.byte()
	if err != nil {
		return nil, fmt.Errorf("decoding pair_ack: %w", err)
	}
	msg, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding pair_ack: %w", err)
	}
	var compressionMode byte
	if c.remaining() > 0 {
		compressionMode, err = c.byte()
		if err != nil {
			return nil, fmt.Errorf("decoding pair_ack: %w", err)
		}
	}
	return &PairAck{Status: status, Message: msg, CompressionMode: compressionMode}, nil
}

// DecodeControl parses a Control body.
func DecodeControl(body []byte) (*Control, error) {
	c := &cursor{b: body}
	subType, err := c.byte()
	if err != nil {
		return nil, fmt.Errorf("decoding control: %w", err)
	}
	subKey, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding control: %w", err)
	}
	payload, err := c.bytes32()
	if err != nil {
		return nil, fmt.Errorf("decoding control: %w", err)
	}
	return &Control{SubType: subType, SubKey: subKey, Payload: payload}, nil
}

// DecodeTransferRequest parses a TransferRequest body.
func DecodeTransferRequest(body []byte) (*TransferRequest, error) {
	c := &cursor{b: body}
	tid, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_request: %w", err)
	}
	direction, err := c.byte()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_request: %w", err)
	}
	filename, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_request: %w", err)
	}
	size, err := c.uint64()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_request: %w", err)
	}
	checksum, err := c.fixed32()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_request: %w", err)
	}
	chunkSize, err := c.uint32()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_request: %w", err)
	}
	return &TransferRequest{
		TID:              tid,
		Direction:        direction,
		Filename:         filename,
		DeclaredSize:     size,
		DeclaredChecksum: checksum,
		ChunkSize:        chunkSize,
	}, nil
}

// DecodeTransferResponse parses a TransferResponse body.
func DecodeTransferResponse(body []byte) (*TransferResponse, error) {
	c := &cursor{b: body}
	tid, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_response: %w", err)
	}
	decision, err := c.byte()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_response: %w", err)
	}
	msg, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_response: %w", err)
	}
	return &TransferResponse{TID: tid, Decision: decision, Message: msg}, nil
}

// DecodeTransferChunk parses a TransferChunk body.
func DecodeTransferChunk(body []byte) (*TransferChunk, error) {
	c := &cursor{b: body}
	tid, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_chunk: %w", err)
	}
	seq, err := c.uint32()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_chunk: %w", err)
	}
	isLast, err := c.boolean()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_chunk: %w", err)
	}
	checksum, err := c.fixed32()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_chunk: %w", err)
	}
	payload, err := c.bytes32()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_chunk: %w", err)
	}
	return &TransferChunk{TID: tid, Seq: seq, IsLast: isLast, ChunkChecksum: checksum, Payload: payload}, nil
}

// DecodeTransferAck parses a TransferAck body.
func DecodeTransferAck(body []byte) (*TransferAck, error) {
	c := &cursor{b: body}
	tid, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_ack: %w", err)
	}
	seq, err := c.uint32()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_ack: %w", err)
	}
	status, err := c.byte()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_ack: %w", err)
	}
	var window uint32
	if c.remaining() > 0 {
		window, err = c.uint32()
		if err != nil {
			return nil, fmt.Errorf("decoding transfer_ack: %w", err)
		}
	}
	return &TransferAck{TID: tid, Seq: seq, Status: status, Window: window}, nil
}

// DecodeTransferProgress parses a TransferProgress body.
func DecodeTransferProgress(body []byte) (*TransferProgress, error) {
	c := &cursor{b: body}
	tid, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_progress: %w", err)
	}
	bytesTransferred, err := c.uint64()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_progress: %w", err)
	}
	total, err := c.uint64()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_progress: %w", err)
	}
	speed, err := c.uint64()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_progress: %w", err)
	}
	eta, err := c.int64()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_progress: %w", err)
	}
	percent, err := c.byte()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_progress: %w", err)
	}
	return &TransferProgress{
		TID:              tid,
		BytesTransferred: bytesTransferred,
		TotalSize:        total,
		SpeedBps:         speed,
		ETASeconds:       eta,
		Percent:          percent,
	}, nil
}

// DecodeTransferControl parses a TransferControl body.
func DecodeTransferControl(body []byte) (*TransferControl, error) {
	c := &cursor{b: body}
	tid, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_control: %w", err)
	}
	action, err := c.byte()
	if err != nil {
		return nil, fmt.Errorf("decoding transfer_control: %w", err)
	}
	return &TransferControl{TID: tid, Action: action}, nil
}

// DecodeHeartbeat parses a Heartbeat body.
func DecodeHeartbeat(body []byte) (*Heartbeat, error) {
	c := &cursor{b: body}
	counter, err := c.uint64()
	if err != nil {
		return nil, fmt.Errorf("decoding heartbeat: %w", err)
	}
	loadBits, err := c.uint32()
	if err != nil {
		return nil, fmt.Errorf("decoding heartbeat: %w", err)
	}
	disk, err := c.uint32()
	if err != nil {
		return nil, fmt.Errorf("decoding heartbeat: %w", err)
	}
	return &Heartbeat{Counter: counter, ServerLoad: math.Float32frombits(loadBits), DiskFreeMB: disk}, nil
}

// DecodeError parses an ErrorFrame body.
func DecodeError(body []byte) (*ErrorFrame, error) {
	c := &cursor{b: body}
	kind, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding error: %w", err)
	}
	msg, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding error: %w", err)
	}
	return &ErrorFrame{Kind: kind, Message: msg}, nil
}

// DecodeClose parses a CloseFrame body.
func DecodeClose(body []byte) (*CloseFrame, error) {
	c := &cursor{b: body}
	reason, err := c.string()
	if err != nil {
		return nil, fmt.Errorf("decoding close: %w", err)
	}
	return &CloseFrame{Reason: reason}, nil
}
