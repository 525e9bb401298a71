// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// jsonlStore appends Records to a JSONL file, rotating it once it
// exceeds maxLines by rewriting with only the most recent half kept.
type jsonlStore struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	maxLines  int
	lineCount int
}

// openJSONLStore opens (creating if needed) the file at path for
// append, after counting its existing lines for rotation bookkeeping.
func openJSONLStore(path string, maxLines int) (*jsonlStore, error) {
	if maxLines <= 0 {
		maxLines = 50000
	}
	_, lineCount, err := loadJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading audit file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening audit file for append: %w", err)
	}
	return &jsonlStore{file: f, path: path, maxLines: maxLines, lineCount: lineCount}, nil
}

// loadJSONL reads every well-formed Record in path, ignoring malformed
// lines, and returns the total line count (malformed included) so
// rotation bookkeeping stays accurate across restarts.
func loadJSONL(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var recs []Record
	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, lines, scanner.Err()
}

// append writes rec as one JSON line, then rotates the file if this
// write pushed it past maxLines.
func (s *jsonlStore) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return err
	}
	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
	return nil
}

// rotate keeps only the newest maxLines/2 entries on disk. Called with
// s.mu held.
func (s *jsonlStore) rotate() {
	keep := s.maxLines / 2
	recs, _, err := loadJSONL(s.path)
	if err != nil || len(recs) <= keep {
		return
	}
	recs = recs[len(recs)-keep:]

	s.file.Close()
	f, err := os.Create(s.path)
	if err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}
	w := bufio.NewWriter(f)
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.lineCount = len(recs)
}

func (s *jsonlStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
