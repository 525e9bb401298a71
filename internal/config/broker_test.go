// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

const minimalBrokerYAML = `
server:
  endpoint_listen: "0.0.0.0:7443"
  technician_listen: "0.0.0.0:7444"
tls:
  ca_cert: "/etc/broker/ca.pem"
  server_cert: "/etc/broker/server.pem"
  server_key: "/etc/broker/server.key"
storage:
  base_dir: "/var/lib/supportbroker/staging"
`

func TestLoadBrokerConfig_MinimalFillsDefaults(t *testing.T) {
	path := writeYAML(t, minimalBrokerYAML)

	cfg, err := LoadBrokerConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Registry.MaxSessionsTotal != 500 {
		t.Errorf("expected default max_sessions_total=500, got %d", cfg.Registry.MaxSessionsTotal)
	}
	if cfg.Registry.MaxSessionsPerEndpoint != 1 {
		t.Errorf("expected default max_sessions_per_endpoint=1, got %d", cfg.Registry.MaxSessionsPerEndpoint)
	}
	if cfg.Transfer.MaxConcurrentPerSession != 2 {
		t.Errorf("expected default max_concurrent_per_session=2, got %d", cfg.Transfer.MaxConcurrentPerSession)
	}
	if cfg.Transfer.MaxFileSizeRaw != 2*1024*1024*1024 {
		t.Errorf("expected default max_file_size=2gb, got %d", cfg.Transfer.MaxFileSizeRaw)
	}
	if cfg.Transfer.ChunkSizeMinRaw != 64*1024 {
		t.Errorf("expected default chunk_size_min=64kb, got %d", cfg.Transfer.ChunkSizeMinRaw)
	}
	if cfg.Transfer.ChunkSizeMaxRaw != 1*1024*1024 {
		t.Errorf("expected default chunk_size_max=1mb, got %d", cfg.Transfer.ChunkSizeMaxRaw)
	}
	if cfg.Audit.RingCapacity != 2000 {
		t.Errorf("expected default ring_capacity=2000, got %d", cfg.Audit.RingCapacity)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging level/format, got %+v", cfg.Logging)
	}
	if cfg.Observability.Enabled {
		t.Errorf("expected observability disabled by default")
	}
}

func TestLoadBrokerConfig_MissingRequiredField(t *testing.T) {
	path := writeYAML(t, `
server:
  endpoint_listen: "0.0.0.0:7443"
`)
	if _, err := LoadBrokerConfig(path); err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

func TestLoadBrokerConfig_ChunkMaxBelowMinRejected(t *testing.T) {
	path := writeYAML(t, minimalBrokerYAML+`
transfer:
  chunk_size_min: "2mb"
  chunk_size_max: "1mb"
`)
	if _, err := LoadBrokerConfig(path); err == nil {
		t.Fatal("expected error when chunk_size_max < chunk_size_min")
	}
}

func TestLoadBrokerConfig_ObservabilityRequiresAllowOrigins(t *testing.T) {
	path := writeYAML(t, minimalBrokerYAML+`
observability:
  enabled: true
  listen: "127.0.0.1:9849"
`)
	if _, err := LoadBrokerConfig(path); err == nil {
		t.Fatal("expected error when observability enabled without allow_origins")
	}
}

func TestLoadBrokerConfig_ObservabilityParsesCIDRsAndIPs(t *testing.T) {
	path := writeYAML(t, minimalBrokerYAML+`
observability:
  enabled: true
  listen: "127.0.0.1:9849"
  allow_origins:
    - "10.0.0.0/8"
    - "192.168.1.5"
`)
	cfg, err := LoadBrokerConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Observability.ParsedCIDRs) != 2 {
		t.Fatalf("expected 2 parsed CIDRs, got %d", len(cfg.Observability.ParsedCIDRs))
	}
}

func TestLoadBrokerConfig_ArchiveRequiresBucketAndRegion(t *testing.T) {
	path := writeYAML(t, minimalBrokerYAML+`
audit:
  archive:
    enabled: true
`)
	if _, err := LoadBrokerConfig(path); err == nil {
		t.Fatal("expected error when audit.archive enabled without bucket/region")
	}
}

func TestLoadBrokerConfig_InvalidControlDSCPRejected(t *testing.T) {
	path := writeYAML(t, minimalBrokerYAML+`
relay:
  control_dscp: "NOT_A_CODEPOINT"
`)
	if _, err := LoadBrokerConfig(path); err == nil {
		t.Fatal("expected error for invalid relay.control_dscp")
	}
}

func TestLoadBrokerConfig_ValidControlDSCPAccepted(t *testing.T) {
	path := writeYAML(t, minimalBrokerYAML+`
relay:
  control_dscp: "EF"
`)
	cfg, err := LoadBrokerConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.ControlDSCP != "EF" {
		t.Errorf("expected control_dscp=EF, got %q", cfg.Relay.ControlDSCP)
	}
}

func TestLoadBrokerConfig_FileNotFound(t *testing.T) {
	if _, err := LoadBrokerConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"0":     0,
		"512":   512,
		"1kb":   1024,
		"4mb":   4 * 1024 * 1024,
		"2gb":   2 * 1024 * 1024 * 1024,
		"256MB": 256 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for invalid size string")
	}
	if _, err := ParseByteSize(""); err == nil {
		t.Fatal("expected error for empty size string")
	}
}
