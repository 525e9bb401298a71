// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

// Store resolves a transfer's on-disk paths. It is the only filesystem
// touchpoint the engine core uses directly — Assembler does the actual
// open/WriteAt/rename — so the core can be pointed at any storage root
// (or, in principle, a non-local implementation) without the engine
// logic changing.
type Store interface {
	// TempPath returns where an in-progress transfer's staging file
	// lives while chunks are being assembled.
	TempPath(sid, tid string) string
	// FinalPath returns where a completed transfer's file is committed,
	// named after the session, transfer id and the declared filename.
	FinalPath(sid, tid, filename string) string
}
