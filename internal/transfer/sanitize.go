// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxFilenameLength bounds a transfer's declared filename.
const maxFilenameLength = 255

// ValidateFilename rejects a transfer_request's filename if it is empty,
// too long, contains a path separator or traversal component, or a NUL
// byte — the safe-character policy of §4.4 step 1, checked before any
// file is opened.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	if len(name) > maxFilenameLength {
		return fmt.Errorf("filename exceeds max length %d", maxFilenameLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("filename contains a path separator")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("filename contains a null byte")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("filename is a path traversal token")
	}
	return nil
}

// ExtensionPolicy decides whether a filename's extension is allowed,
// given an allow-list and a block-list (either may be empty). The
// block-list always wins; an empty allow-list means "all but blocked".
type ExtensionPolicy struct {
	Allowed []string
	Blocked []string
}

// Check reports whether filename's extension passes policy.
func (p ExtensionPolicy) Check(filename string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	for _, b := range p.Blocked {
		if strings.EqualFold(b, ext) {
			return fmt.Errorf("extension %q is blocked", ext)
		}
	}
	if len(p.Allowed) == 0 {
		return nil
	}
	for _, a := range p.Allowed {
		if strings.EqualFold(a, ext) {
			return nil
		}
	}
	return fmt.Errorf("extension %q is not in the allowed list", ext)
}
