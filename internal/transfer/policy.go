// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import (
	"fmt"

	"github.com/onlidesk/support-broker/internal/protocol"
)

// Policy holds the broker-configured limits and approval rules a
// transfer_request is checked against at §4.4 step 1, and the auto/
// manual approval rule of step 2.
type Policy struct {
	MaxFileSize             uint64
	MinChunkSize            uint32
	MaxChunkSize            uint32
	Extensions              ExtensionPolicy
	MaxConcurrentPerSession int32
	RequireApprovalUpload   bool
	RequireApprovalDownload bool
	AutoApproveBelowBytes   uint64
}

// Validate checks a transfer_request against size, chunk-size-range and
// extension policy, independent of approval or capacity — capacity is
// checked separately against the live session (Session.IncrementTransfers).
func (p Policy) Validate(filename string, declaredSize uint64, chunkSize uint32) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	if err := p.Extensions.Check(filename); err != nil {
		return err
	}
	if p.MaxFileSize > 0 && declaredSize > p.MaxFileSize {
		return fmt.Errorf("declared_size %d exceeds max_file_size %d", declaredSize, p.MaxFileSize)
	}
	if chunkSize < p.MinChunkSize || chunkSize > p.MaxChunkSize {
		return fmt.Errorf("chunk_size %d outside allowed range [%d, %d]", chunkSize, p.MinChunkSize, p.MaxChunkSize)
	}
	return nil
}

// AutoApprove reports whether a request of the given direction and size
// may skip the approver round-trip.
func (p Policy) AutoApprove(direction byte, declaredSize uint64) bool {
	requires := p.RequireApprovalUpload
	if direction == protocol.DirectionDownload {
		requires = p.RequireApprovalDownload
	}
	if !requires {
		return true
	}
	return p.AutoApproveBelowBytes > 0 && declaredSize <= p.AutoApproveBelowBytes
}
