// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
)

// Uploader is the narrow surface ArchiveSink needs from an object
// store, satisfied by *S3Archiver or a test double.
type Uploader interface {
	Put(ctx context.Context, bucket, key string, body []byte) error
}

// S3Archiver uploads to an S3-compatible bucket via aws-sdk-go-v2.
type S3Archiver struct {
	client *s3.Client
}

// NewS3Archiver wraps an already-configured S3 client.
func NewS3Archiver(client *s3.Client) *S3Archiver {
	return &S3Archiver{client: client}
}

func (u *S3Archiver) Put(ctx context.Context, bucket, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}

// ArchiveSink wraps a RingSink with per-session batching: every record
// carrying a SID is buffered, and once the session closes the whole
// batch is gzipped with pgzip and handed to an Uploader. Archival is
// best-effort — a failed compress or upload is logged and dropped, per
// spec.md §4.4's rule that audit emission never blocks or unwinds a
// transfer or session.
type ArchiveSink struct {
	*RingSink
	uploader Uploader
	bucket   string
	prefix   string
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string][]Record
}

// NewArchiveSink builds an ArchiveSink over an already-open RingSink.
func NewArchiveSink(ring *RingSink, uploader Uploader, bucket, prefix string, logger *slog.Logger) *ArchiveSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveSink{
		RingSink: ring,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		logger:   logger,
		sessions: make(map[string][]Record),
	}
}

// Append records rec in the underlying RingSink and, when it names a
// session, buffers it for that session's eventual archive batch.
func (a *ArchiveSink) Append(ctx context.Context, rec Record) error {
	if err := a.RingSink.Append(ctx, rec); err != nil {
		return err
	}
	if rec.SID == "" {
		return nil
	}
	a.mu.Lock()
	a.sessions[rec.SID] = append(a.sessions[rec.SID], rec)
	a.mu.Unlock()
	return nil
}

// CloseSession compresses and uploads everything buffered for sid,
// then forgets it regardless of outcome — a failed archive upload must
// not hold session-scoped memory forever.
func (a *ArchiveSink) CloseSession(ctx context.Context, sid string) {
	a.mu.Lock()
	recs := a.sessions[sid]
	delete(a.sessions, sid)
	a.mu.Unlock()

	if len(recs) == 0 {
		return
	}

	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			a.logger.Warn("audit archive encode failed", "sid", sid, "error", err)
			return
		}
	}
	if err := gz.Close(); err != nil {
		a.logger.Warn("audit archive compress failed", "sid", sid, "error", err)
		return
	}

	key := fmt.Sprintf("%s%s.jsonl.gz", a.prefix, sid)
	if err := a.uploader.Put(ctx, a.bucket, key, buf.Bytes()); err != nil {
		a.logger.Warn("audit archive upload failed", "sid", sid, "key", key, "error", err)
	}
}
