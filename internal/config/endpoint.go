// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EndpointConfig represents the complete configuration of
// supportendpoint, the reference endpoint-agent client: the side of
// the pair that registers with the broker, accepts pairing from a
// technician, and services the transfer/relay frames for its machine.
type EndpointConfig struct {
	Endpoint EndpointInfo `yaml:"endpoint"`
	Server   ServerAddr   `yaml:"server"`
	TLS      TLSClient    `yaml:"tls"`
	Auth     EndpointAuth `yaml:"auth"`
	Retry    RetryInfo    `yaml:"retry"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// EndpointInfo identifies the endpoint machine to the broker.
type EndpointInfo struct {
	Name       string `yaml:"name"`
	Unattended bool   `yaml:"unattended"` // heartbeats bypass idle-session timeout
}

// ServerAddr is the broker address the endpoint dials.
type ServerAddr struct {
	Address string `yaml:"address"`
}

// TLSClient holds the endpoint's mTLS certificate paths.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// EndpointAuth configures the unattended-mode static-secret path
// (password-derived verifier, constant-time compared broker-side).
type EndpointAuth struct {
	StaticSecret string `yaml:"static_secret"`
}

// RetryInfo configures exponential backoff for broker reconnection.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// LoadEndpointConfig reads and validates the endpoint's YAML config file.
func LoadEndpointConfig(path string) (*EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading endpoint config: %w", err)
	}

	var cfg EndpointConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing endpoint config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating endpoint config: %w", err)
	}

	return &cfg, nil
}

func (c *EndpointConfig) validate() error {
	if c.Endpoint.Name == "" {
		return fmt.Errorf("endpoint.name is required")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ClientCert == "" {
		return fmt.Errorf("tls.client_cert is required")
	}
	if c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.client_key is required")
	}
	if c.Endpoint.Unattended && c.Auth.StaticSecret == "" {
		return fmt.Errorf("auth.static_secret is required when endpoint.unattended is true")
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
