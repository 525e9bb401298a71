// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package protocol implements the broker's binary wire protocol: a
// length-prefixed frame envelope carrying typed, version-tagged bodies
// exchanged between endpoint agents, technician portals and the broker.
package protocol

import "errors"

// ProtocolVersion is the current body encoding version written by this package.
const ProtocolVersion byte = 0x01

// MaxFrameSize bounds the encoded size of type+version+body, per spec.
const MaxFrameSize = 16 * 1024 * 1024 // 16 MiB

// Chunk size negotiation bounds for transfer_request.chunk_size.
const (
	MinChunkSize = 16 * 1024   // 16 KiB
	MaxChunkSize = 1024 * 1024 // 1 MiB
)

// FrameType tags the body that follows the length/version header.
type FrameType byte

const (
	FrameRegister         FrameType = 0x01
	FrameRegisterAck      FrameType = 0x02
	FramePairRequest      FrameType = 0x03
	FramePairAck          FrameType = 0x04
	FrameControl          FrameType = 0x05
	FrameTransferRequest  FrameType = 0x06
	FrameTransferResponse FrameType = 0x07
	FrameTransferChunk    FrameType = 0x08
	FrameTransferAck      FrameType = 0x09
	FrameTransferProgress FrameType = 0x0A
	FrameTransferControl  FrameType = 0x0B
	FrameHeartbeat        FrameType = 0x0C
	FrameError            FrameType = 0x0D
	FrameClose            FrameType = 0x0E
)

func (t FrameType) String() string {
	switch t {
	case FrameRegister:
		return "register"
	case FrameRegisterAck:
		return "register_ack"
	case FramePairRequest:
		return "pair_request"
	case FramePairAck:
		return "pair_ack"
	case FrameControl:
		return "control"
	case FrameTransferRequest:
		return "transfer_request"
	case FrameTransferResponse:
		return "transfer_response"
	case FrameTransferChunk:
		return "transfer_chunk"
	case FrameTransferAck:
		return "transfer_ack"
	case FrameTransferProgress:
		return "transfer_progress"
	case FrameTransferControl:
		return "transfer_control"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameError:
		return "error"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Protocol-level errors.
var (
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	ErrOversizeFrame  = errors.New("protocol: frame exceeds maximum size")
	ErrUnknownType    = errors.New("protocol: unknown frame type")
	ErrFieldTooLong   = errors.New("protocol: field exceeds maximum encodable length")
)

// RegisterAck / PairAck status codes.
const (
	StatusGo                byte = 0x00 // accepted
	StatusReject             byte = 0x01 // credentials rejected
	StatusResourceExhausted byte = 0x02 // cap exceeded
	StatusNotFound          byte = 0x03 // sid unknown (pair only)
	StatusAlreadyPaired     byte = 0x04 // sid already paired (pair only)
)

// Register is sent by an endpoint agent to enroll with the broker.
// Body: EndpointAuth (opaque bytes) | EndpointName | ClientVersion | Unattended (bool byte)
type Register struct {
	EndpointAuth  []byte
	EndpointName  string
	ClientVersion string
	Unattended    bool
}

// RegisterAck is the broker's response to Register.
type RegisterAck struct {
	Status          byte
	SID             string
	Message         string
	CompressionMode byte
}

// CompressionMode values negotiated via register_ack/pair_ack and
// applied to transfer_chunk payloads.
const (
	CompressionModeNone byte = 0x00
	CompressionModeZstd byte = 0x01
)

// PairRequest is sent by a technician portal presenting a session id.
type PairRequest struct {
	SID            string
	TechnicianAuth []byte
	TechnicianName string
}

// PairAck is the broker's response to PairRequest.
type PairAck struct {
	Status          byte
	Message         string
	CompressionMode byte
}

// Control sub-type classification, per §4.3: drop-older for real-time,
// never-drop for reliable. This is a codec-level tag on the control frame.
const (
	ControlSubTypeRealTime byte = 0x00 // e.g. screen deltas
	ControlSubTypeReliable byte = 0x01 // e.g. input events, acks
)

// Control carries opaque screen/input passthrough payloads relayed
// verbatim between endpoint and technician. The broker never interprets
// Payload; SubKey is used only for real-time coalescing.
type Control struct {
	SubType byte
	SubKey  string
	Payload []byte
}

// Transfer direction.
const (
	DirectionUpload   byte = 0x00 // technician -> endpoint
	DirectionDownload byte = 0x01 // endpoint -> technician
)

// TransferRequest both initiates a transfer (TID empty, sent by the
// initiating party) and is forwarded by the broker to the approver with
// TID populated once the engine has assigned one.
type TransferRequest struct {
	TID              string
	Direction        byte
	Filename         string
	DeclaredSize     uint64
	DeclaredChecksum [32]byte
	ChunkSize        uint32
}

// Approval decisions for TransferResponse.
const (
	DecisionAccept byte = 0x00
	DecisionReject byte = 0x01
)

// TransferResponse carries the approver's accept/reject decision.
type TransferResponse struct {
	TID      string
	Decision byte
	Message  string
}

// TransferChunk carries one sequenced, checksummed slice of payload.
type TransferChunk struct {
	TID           string
	Seq           uint32
	IsLast        bool
	ChunkChecksum [32]byte
	Payload       []byte
}

// Ack status codes for TransferAck.
const (
	AckStatusOK      byte = 0x00
	AckStatusCorrupt byte = 0x01
	AckStatusFinal   byte = 0x02
)

// TransferAck acknowledges a chunk, or — with Status AckStatusFinal — the
// whole transfer after checksum verification. Window carries the
// receiver's current AIMD send-window size (in chunks), so a sender
// paces itself off the value actually driving the receiver's
// corrupt/ok accounting instead of a fixed pipeline depth.
type TransferAck struct {
	TID    string
	Seq    uint32
	Status byte
	Window uint32
}

// TransferProgress is emitted on a fixed cadence and on terminal completion.
type TransferProgress struct {
	TID              string
	BytesTransferred uint64
	TotalSize        uint64
	SpeedBps         uint64
	ETASeconds       int64
	Percent          uint8
}

// Pause/resume/cancel actions for TransferControl.
const (
	TransferActionPause  byte = 0x00
	TransferActionResume byte = 0x01
	TransferActionCancel byte = 0x02
)

// TransferControl requests a mid-flight state change on tid.
type TransferControl struct {
	TID    string
	Action byte
}

// Heartbeat carries a monotonic counter each direction, plus — broker to
// endpoint only — a best-effort snapshot of broker load used nowhere in
// protocol logic, purely informational.
type Heartbeat struct {
	Counter    uint64
	ServerLoad float32 // CPU percent 0-100, broker->endpoint only, 0 otherwise
	DiskFreeMB uint32  // broker->endpoint only, 0 otherwise
}

// ErrorKind values, per the error taxonomy.
const (
	ErrorKindProtocol          = "protocol"
	ErrorKindAuth              = "auth"
	ErrorKindPolicy            = "policy"
	ErrorKindResourceExhausted = "resource_exhausted"
	ErrorKindIntegrity         = "integrity"
	ErrorKindStall             = "stall"
	ErrorKindSlowPeer          = "slow_peer"
	ErrorKindPeerClosed        = "peer_closed"
	ErrorKindTransport         = "transport"
	ErrorKindIO                = "io"
	ErrorKindInternal          = "internal"
)

// ErrorFrame is sent before close on every terminal error.
type ErrorFrame struct {
	Kind    string
	Message string
}

// CloseFrame announces a graceful close.
type CloseFrame struct {
	Reason string
}
