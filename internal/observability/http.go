// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/onlidesk/support-broker/internal/audit"
)

var startTime = time.Now()

// Version is stamped via -ldflags at build time.
var Version = "dev"

// Provider is the read-only surface NewRouter needs from the broker,
// decoupling this package from the registry/relay/transfer concrete
// types so the router never reaches back into broker internals.
type Provider interface {
	ActiveSessions() int
	ActiveTransfers() int
	ConnectedEndpoints() int
	BrokerLoad() Load
}

// NewRouter builds the health/metrics HTTP surface, wrapped in acl's
// middleware.
func NewRouter(p Provider, acl *ACL, sink *audit.RingSink) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/metrics", makeMetricsHandler(p))
	mux.HandleFunc("GET /metrics", makePrometheusHandler(p))
	if sink != nil {
		mux.HandleFunc("GET /api/v1/events", makeEventsHandler(sink))
	}

	return acl.Middleware(mux)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var lastPauseMs float64
	if mem.NumGC > 0 {
		lastPauseMs = float64(mem.PauseNs[(mem.NumGC+255)%256]) / 1e6
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  uptime.String(),
		Version: Version,
		Go:      runtime.Version(),
		Stats: &ProcessStats{
			GoRoutines:  runtime.NumGoroutine(),
			HeapAllocMB: float64(mem.HeapAlloc) / (1024 * 1024),
			HeapSysMB:   float64(mem.HeapSys) / (1024 * 1024),
			GCPauseMs:   lastPauseMs,
			GCCycles:    mem.NumGC,
			CPUCores:    runtime.NumCPU(),
		},
	})
}

func makeMetricsHandler(p Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		load := p.BrokerLoad()
		writeJSON(w, http.StatusOK, MetricsResponse{
			ActiveSessions:    p.ActiveSessions(),
			ActiveTransfers:   p.ActiveTransfers(),
			ConnectedEndpoint: p.ConnectedEndpoints(),
			BrokerLoad:        &load,
		})
	}
}

// makePrometheusHandler exposes the same gauges in Prometheus text
// exposition format, without depending on client_golang — hand-rolling
// the text format for a handful of gauges needs no extra dependency.
func makePrometheusHandler(p Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		load := p.BrokerLoad()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP supportbroker_active_sessions Live sessions currently tracked, awaiting pairing or paired.\n")
		fmt.Fprintf(w, "# TYPE supportbroker_active_sessions gauge\n")
		fmt.Fprintf(w, "supportbroker_active_sessions %d\n", p.ActiveSessions())

		fmt.Fprintf(w, "# HELP supportbroker_active_transfers File transfers currently in flight.\n")
		fmt.Fprintf(w, "# TYPE supportbroker_active_transfers gauge\n")
		fmt.Fprintf(w, "supportbroker_active_transfers %d\n", p.ActiveTransfers())

		fmt.Fprintf(w, "# HELP supportbroker_connected_endpoints Endpoint connections currently registered.\n")
		fmt.Fprintf(w, "# TYPE supportbroker_connected_endpoints gauge\n")
		fmt.Fprintf(w, "supportbroker_connected_endpoints %d\n", p.ConnectedEndpoints())

		fmt.Fprintf(w, "# HELP supportbroker_runtime_goroutines Number of live goroutines.\n")
		fmt.Fprintf(w, "# TYPE supportbroker_runtime_goroutines gauge\n")
		fmt.Fprintf(w, "supportbroker_runtime_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP supportbroker_disk_free_mb Free space on the transfer staging volume.\n")
		fmt.Fprintf(w, "# TYPE supportbroker_disk_free_mb gauge\n")
		fmt.Fprintf(w, "supportbroker_disk_free_mb %d\n", load.DiskFreeMB)

		fmt.Fprintf(w, "# HELP supportbroker_cpu_percent Broker process CPU utilization.\n")
		fmt.Fprintf(w, "# TYPE supportbroker_cpu_percent gauge\n")
		fmt.Fprintf(w, "supportbroker_cpu_percent %g\n", load.CPUPercent)
	}
}

func makeEventsHandler(sink *audit.RingSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		writeJSON(w, http.StatusOK, sink.Recent(limit))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return defaultVal
	}
	return v
}
