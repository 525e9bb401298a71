// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transfer

import (
	"fmt"
	"path/filepath"
)

// LocalStore lays transfers out under a single base directory, one
// directory per session: {baseDir}/{sid}/.
type LocalStore struct {
	baseDir string
}

// NewLocalStore builds a Store rooted at baseDir. baseDir is created by
// the caller at startup (see config validation).
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (s *LocalStore) sessionDir(sid string) string {
	return filepath.Join(s.baseDir, sid)
}

// TempPath returns {baseDir}/{sid}/{tid}.part.
func (s *LocalStore) TempPath(sid, tid string) string {
	return filepath.Join(s.sessionDir(sid), fmt.Sprintf("%s.part", tid))
}

// FinalPath returns {baseDir}/{sid}/{tid}-{filename}, keeping the
// transfer id in the final name so two transfers delivering files with
// the same declared name in one session never collide.
func (s *LocalStore) FinalPath(sid, tid, filename string) string {
	return filepath.Join(s.sessionDir(sid), fmt.Sprintf("%s-%s", tid, filename))
}
