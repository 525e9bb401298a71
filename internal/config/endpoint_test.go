// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"testing"
	"time"
)

const minimalEndpointYAML = `
endpoint:
  name: "workstation-17"
server:
  address: "broker.example.internal:7443"
tls:
  ca_cert: "/etc/endpoint/ca.pem"
  client_cert: "/etc/endpoint/client.pem"
  client_key: "/etc/endpoint/client.key"
`

func TestLoadEndpointConfig_MinimalFillsDefaults(t *testing.T) {
	path := writeYAML(t, minimalEndpointYAML)

	cfg, err := LoadEndpointConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected default max_attempts=5, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialDelay != 1*time.Second {
		t.Errorf("expected default initial_delay=1s, got %v", cfg.Retry.InitialDelay)
	}
	if cfg.Retry.MaxDelay != 5*time.Minute {
		t.Errorf("expected default max_delay=5m, got %v", cfg.Retry.MaxDelay)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging level/format, got %+v", cfg.Logging)
	}
}

func TestLoadEndpointConfig_MissingRequiredField(t *testing.T) {
	path := writeYAML(t, `
endpoint:
  name: "workstation-17"
`)
	if _, err := LoadEndpointConfig(path); err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

const unattendedEndpointYAML = `
endpoint:
  name: "workstation-17"
  unattended: true
server:
  address: "broker.example.internal:7443"
tls:
  ca_cert: "/etc/endpoint/ca.pem"
  client_cert: "/etc/endpoint/client.pem"
  client_key: "/etc/endpoint/client.key"
`

func TestLoadEndpointConfig_UnattendedRequiresStaticSecret(t *testing.T) {
	path := writeYAML(t, unattendedEndpointYAML)
	if _, err := LoadEndpointConfig(path); err == nil {
		t.Fatal("expected error when unattended is true without auth.static_secret")
	}
}

func TestLoadEndpointConfig_UnattendedWithStaticSecret(t *testing.T) {
	path := writeYAML(t, unattendedEndpointYAML+`
auth:
  static_secret: "correct-horse-battery-staple"
`)
	cfg, err := LoadEndpointConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Endpoint.Unattended {
		t.Error("expected unattended=true to be preserved")
	}
}

func TestLoadEndpointConfig_FileNotFound(t *testing.T) {
	if _, err := LoadEndpointConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
