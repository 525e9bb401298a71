// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package observability

// HealthResponse is served at GET /api/v1/health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Uptime  string       `json:"uptime"`
	Version string       `json:"version"`
	Go      string       `json:"go"`
	Stats   *ProcessStats `json:"stats"`
}

// ProcessStats carries Go runtime self-health, independent of the
// brokered sessions' state.
type ProcessStats struct {
	GoRoutines  int     `json:"go_routines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapSysMB   float64 `json:"heap_sys_mb"`
	GCPauseMs   float64 `json:"gc_pause_ms"`
	GCCycles    uint32  `json:"gc_cycles"`
	CPUCores    int     `json:"cpu_cores"`
}

// MetricsResponse is served at GET /api/v1/metrics.
type MetricsResponse struct {
	ActiveSessions    int    `json:"active_sessions"`
	ActiveTransfers   int    `json:"active_transfers"`
	ConnectedEndpoint int    `json:"connected_endpoints"`
	AuditEventsStored int    `json:"audit_events_stored"`
	BrokerLoad        *Load  `json:"broker_load,omitempty"`
}

// Load mirrors the heartbeat's piggybacked broker self-health fields,
// surfaced again here for operators who poll HTTP instead of the wire
// protocol.
type Load struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskFreeMB  uint64  `json:"disk_free_mb"`
}
