// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// sidAlphabet avoids visually confusable characters (no 0/O, 1/I).
const sidAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// sidLength is the number of alphabet characters in a raw sid, before the
// XXX-XXX-XXX display grouping. 32^9 keeps collision probability over any
// realistic active-session set far below 1e-9.
const sidLength = 9

// generateRawSID draws sidLength characters from sidAlphabet using
// crypto/rand. It never returns an error in practice (crypto/rand.Read
// only fails on an exhausted entropy source, which is itself fatal), but
// the signature surfaces it so callers can treat it as fatal rather than
// silently panic.
func generateRawSID() (string, error) {
	buf := make([]byte, sidLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes for sid: %w", err)
	}
	var sb strings.Builder
	sb.Grow(sidLength)
	for _, b := range buf {
		sb.WriteByte(sidAlphabet[int(b)%len(sidAlphabet)])
	}
	return sb.String(), nil
}

// FormatSID groups a raw 9-character sid into the display form XXX-XXX-XXX.
func FormatSID(raw string) string {
	if len(raw) != sidLength {
		return raw
	}
	return raw[0:3] + "-" + raw[3:6] + "-" + raw[6:9]
}
