// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TechnicianConfig represents the complete configuration of
// supporttech, the reference technician-portal client: the side of
// the pair that presents a session id and drives the relayed control/
// transfer frames for that session.
type TechnicianConfig struct {
	Technician TechnicianInfo `yaml:"technician"`
	Server     ServerAddr     `yaml:"server"`
	TLS        TechnicianTLS  `yaml:"tls"`
	Auth       TechnicianAuth `yaml:"auth"`
	Logging    LoggingInfo    `yaml:"logging"`
}

// TechnicianInfo identifies the technician to the broker.
type TechnicianInfo struct {
	Name string `yaml:"name"`
}

// TechnicianTLS holds the CA the technician client verifies the
// broker's server certificate against — no client certificate, unlike
// the endpoint side.
type TechnicianTLS struct {
	CACert string `yaml:"ca_cert"`
}

// TechnicianAuth configures the technician's static-secret credential,
// verified against config.StaticAuthConfig.TechnicianSecrets broker-side.
type TechnicianAuth struct {
	StaticSecret string `yaml:"static_secret"`
}

// LoadTechnicianConfig reads and validates the technician's YAML config file.
func LoadTechnicianConfig(path string) (*TechnicianConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading technician config: %w", err)
	}

	var cfg TechnicianConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing technician config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating technician config: %w", err)
	}

	return &cfg, nil
}

func (c *TechnicianConfig) validate() error {
	if c.Technician.Name == "" {
		return fmt.Errorf("technician.name is required")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.Auth.StaticSecret == "" {
		return fmt.Errorf("auth.static_secret is required")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
