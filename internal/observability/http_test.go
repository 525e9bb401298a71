// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package observability

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/onlidesk/support-broker/internal/audit"
)

type fakeProvider struct{}

func (fakeProvider) ActiveSessions() int     { return 2 }
func (fakeProvider) ActiveTransfers() int    { return 1 }
func (fakeProvider) ConnectedEndpoints() int { return 3 }
func (fakeProvider) BrokerLoad() Load        { return Load{CPUPercent: 5.5, DiskFreeMB: 1024} }

func TestRouterHealthAndMetrics(t *testing.T) {
	acl := NewACL(parseCIDRs(t, "127.0.0.1/32"))
	sink, err := audit.NewRingSink(filepath.Join(t.TempDir(), "audit.jsonl"), 10, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	router := NewRouter(fakeProvider{}, acl, sink)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"active_sessions": 2`) {
		t.Fatalf("unexpected metrics body: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "supportbroker_active_sessions 2") {
		t.Fatalf("unexpected prometheus body: %s", rec.Body.String())
	}
}

func TestRouterDeniesOutsideACL(t *testing.T) {
	acl := NewACL(parseCIDRs(t, "10.0.0.0/8"))
	router := NewRouter(fakeProvider{}, acl, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
