// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onlidesk/support-broker/internal/protocol"
	"github.com/onlidesk/support-broker/internal/relay"
)

// BrokerConfig represents the complete configuration of supportbrokerd.
type BrokerConfig struct {
	Server        BrokerListen        `yaml:"server"`
	TLS           BrokerTLS           `yaml:"tls"`
	Registry      RegistryConfig      `yaml:"registry"`
	Relay         RelayConfig         `yaml:"relay"`
	Transfer      TransferConfig      `yaml:"transfer"`
	Storage       StorageConfig       `yaml:"storage"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingInfo         `yaml:"logging"`
	Auth          StaticAuthConfig    `yaml:"auth"`
}

// StaticAuthConfig seeds the broker's static-secret verifier tables:
// unattended endpoints (which skip mTLS's interactive-pairing flavor
// but still dial over the mTLS listener with no client cert available)
// and technicians (whose listener carries no mTLS at all). Both maps
// are name/subject -> plaintext secret; the broker only ever stores
// their SHA-256 verifier, never the secret itself, past startup.
type StaticAuthConfig struct {
	EndpointSecrets   map[string]string `yaml:"endpoint_secrets"`
	TechnicianSecrets map[string]string `yaml:"technician_secrets"`
}

// BrokerListen holds the two listener addresses: endpoints dial in on
// one (mutual TLS), technicians on the other (server-authenticated
// TLS only) — see internal/pki for why these can't share a listener.
type BrokerListen struct {
	EndpointListen   string `yaml:"endpoint_listen"`
	TechnicianListen string `yaml:"technician_listen"`
}

// BrokerTLS holds the broker's certificate paths. The same server
// certificate is presented on both listeners; only the client-auth
// policy differs between them.
type BrokerTLS struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// RegistryConfig bounds session admission and lifecycle timing.
type RegistryConfig struct {
	MaxSessionsTotal       int           `yaml:"max_sessions_total"`
	MaxSessionsPerEndpoint int           `yaml:"max_sessions_per_endpoint"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
}

// RelayConfig tunes the input/screen relay's coalescing and
// backpressure behavior.
type RelayConfig struct {
	CoalesceDepth       int           `yaml:"coalesce_depth"`
	BackpressureTimeout time.Duration `yaml:"backpressure_timeout"`

	// ControlDSCP names a DSCP code point (e.g. "EF") applied to both
	// legs of a paired session's control socket, so screen/input
	// traffic gets low-latency queueing ahead of bulk transfers on the
	// same broker. Empty disables DSCP marking.
	ControlDSCP string `yaml:"control_dscp"`
}

// TransferConfig governs the file-transfer engine's admission policy,
// flow control, and approval gating.
type TransferConfig struct {
	MaxConcurrentPerSession int    `yaml:"max_concurrent_per_session"`
	MaxFileSize             string `yaml:"max_file_size"`
	MaxFileSizeRaw          int64  `yaml:"-"`
	ChunkSizeMin            string `yaml:"chunk_size_min"`
	ChunkSizeMinRaw         int64  `yaml:"-"`
	ChunkSizeMax            string `yaml:"chunk_size_max"`
	ChunkSizeMaxRaw         int64  `yaml:"-"`

	AllowedExtensions []string `yaml:"allowed_extensions"`
	BlockedExtensions []string `yaml:"blocked_extensions"`

	StallTimeout            time.Duration `yaml:"stall_timeout"`
	RequireApprovalUpload   bool          `yaml:"require_approval_upload"`
	RequireApprovalDownload bool          `yaml:"require_approval_download"`

	AutoApproveBelowBytes    string `yaml:"auto_approve_below_bytes"`
	AutoApproveBelowBytesRaw int64  `yaml:"-"`

	// "" = unbounded.
	ThroughputCapBytesPerSec    string `yaml:"throughput_cap_bytes_per_sec"`
	ThroughputCapBytesPerSecRaw int64  `yaml:"-"`

	// none|zstd (default: none). Negotiated to every session via
	// register_ack/pair_ack and applied to transfer_chunk payloads.
	CompressionMode string `yaml:"compression_mode"`
}

// CompressionModeByte converts the compression_mode string into the
// protocol-level constant sent on register_ack/pair_ack.
func (c TransferConfig) CompressionModeByte() byte {
	switch c.CompressionMode {
	case "zstd":
		return protocol.CompressionModeZstd
	default:
		return protocol.CompressionModeNone
	}
}

// StorageConfig names where transfer chunks stage to disk.
type StorageConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// AuditConfig selects and sizes the audit sink.
type AuditConfig struct {
	EventsFile     string        `yaml:"events_file"`
	EventsMaxLines int           `yaml:"events_max_lines"`
	RingCapacity   int           `yaml:"ring_capacity"`
	Archive        ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig configures best-effort upload of closed-session audit
// batches. Disabled by default — RingSink alone is always active.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// ObservabilityConfig configures the read-only HTTP health/metrics
// surface, gated by a deny-by-default CIDR allow-list.
type ObservabilityConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Listen       string   `yaml:"listen"`
	AllowOrigins []string `yaml:"allow_origins"`

	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoadBrokerConfig reads and validates the broker's YAML config file.
func LoadBrokerConfig(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading broker config: %w", err)
	}

	var cfg BrokerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing broker config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating broker config: %w", err)
	}

	return &cfg, nil
}

func (c *BrokerConfig) validate() error {
	if c.Server.EndpointListen == "" {
		return fmt.Errorf("server.endpoint_listen is required")
	}
	if c.Server.TechnicianListen == "" {
		return fmt.Errorf("server.technician_listen is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.server_cert is required")
	}
	if c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.server_key is required")
	}

	if c.Registry.MaxSessionsTotal <= 0 {
		c.Registry.MaxSessionsTotal = 500
	}
	if c.Registry.MaxSessionsPerEndpoint <= 0 {
		c.Registry.MaxSessionsPerEndpoint = 1
	}
	if c.Registry.IdleTimeout <= 0 {
		c.Registry.IdleTimeout = 30 * time.Minute
	}
	if c.Registry.HeartbeatInterval <= 0 {
		c.Registry.HeartbeatInterval = 15 * time.Second
	}

	if c.Relay.CoalesceDepth <= 0 {
		c.Relay.CoalesceDepth = 8
	}
	if c.Relay.BackpressureTimeout <= 0 {
		c.Relay.BackpressureTimeout = 2 * time.Second
	}
	if c.Relay.ControlDSCP != "" {
		if _, err := relay.ParseDSCP(c.Relay.ControlDSCP); err != nil {
			return fmt.Errorf("relay.control_dscp: %w", err)
		}
	}

	if c.Transfer.MaxConcurrentPerSession <= 0 {
		c.Transfer.MaxConcurrentPerSession = 2
	}
	if c.Transfer.MaxFileSize == "" {
		c.Transfer.MaxFileSize = "2gb"
	}
	parsed, err := ParseByteSize(c.Transfer.MaxFileSize)
	if err != nil {
		return fmt.Errorf("transfer.max_file_size: %w", err)
	}
	c.Transfer.MaxFileSizeRaw = parsed

	if c.Transfer.ChunkSizeMin == "" {
		c.Transfer.ChunkSizeMin = "64kb"
	}
	chunkMin, err := ParseByteSize(c.Transfer.ChunkSizeMin)
	if err != nil {
		return fmt.Errorf("transfer.chunk_size_min: %w", err)
	}
	c.Transfer.ChunkSizeMinRaw = chunkMin

	if c.Transfer.ChunkSizeMax == "" {
		c.Transfer.ChunkSizeMax = "1mb"
	}
	chunkMax, err := ParseByteSize(c.Transfer.ChunkSizeMax)
	if err != nil {
		return fmt.Errorf("transfer.chunk_size_max: %w", err)
	}
	c.Transfer.ChunkSizeMaxRaw = chunkMax
	if chunkMax < chunkMin {
		return fmt.Errorf("transfer.chunk_size_max (%s) must be >= chunk_size_min (%s)", c.Transfer.ChunkSizeMax, c.Transfer.ChunkSizeMin)
	}

	if c.Transfer.StallTimeout <= 0 {
		c.Transfer.StallTimeout = 60 * time.Second
	}

	c.Transfer.CompressionMode = strings.ToLower(strings.TrimSpace(c.Transfer.CompressionMode))
	if c.Transfer.CompressionMode == "" {
		c.Transfer.CompressionMode = "none"
	}
	if c.Transfer.CompressionMode != "none" && c.Transfer.CompressionMode != "zstd" {
		return fmt.Errorf("transfer.compression_mode must be none or zstd, got %q", c.Transfer.CompressionMode)
	}

	if c.Transfer.AutoApproveBelowBytes == "" {
		c.Transfer.AutoApproveBelowBytesRaw = 0
	} else {
		autoApprove, err := ParseByteSize(c.Transfer.AutoApproveBelowBytes)
		if err != nil {
			return fmt.Errorf("transfer.auto_approve_below_bytes: %w", err)
		}
		c.Transfer.AutoApproveBelowBytesRaw = autoApprove
	}

	if c.Transfer.ThroughputCapBytesPerSec == "" {
		c.Transfer.ThroughputCapBytesPerSecRaw = 0
	} else {
		capBytes, err := ParseByteSize(c.Transfer.ThroughputCapBytesPerSec)
		if err != nil {
			return fmt.Errorf("transfer.throughput_cap_bytes_per_sec: %w", err)
		}
		c.Transfer.ThroughputCapBytesPerSecRaw = capBytes
	}

	for i, ext := range c.Transfer.AllowedExtensions {
		c.Transfer.AllowedExtensions[i] = strings.ToLower(strings.TrimSpace(ext))
	}
	for i, ext := range c.Transfer.BlockedExtensions {
		c.Transfer.BlockedExtensions[i] = strings.ToLower(strings.TrimSpace(ext))
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	if c.Audit.EventsFile == "" {
		c.Audit.EventsFile = "events.jsonl"
	}
	if c.Audit.EventsMaxLines <= 0 {
		c.Audit.EventsMaxLines = 10000
	}
	if c.Audit.RingCapacity <= 0 {
		c.Audit.RingCapacity = 2000
	}
	if c.Audit.Archive.Enabled {
		if c.Audit.Archive.Bucket == "" {
			return fmt.Errorf("audit.archive.bucket is required when audit.archive is enabled")
		}
		if c.Audit.Archive.Region == "" {
			return fmt.Errorf("audit.archive.region is required when audit.archive is enabled")
		}
	}

	if c.Observability.Enabled {
		if c.Observability.Listen == "" {
			c.Observability.Listen = "127.0.0.1:9849"
		}
		if len(c.Observability.AllowOrigins) == 0 {
			return fmt.Errorf("observability.allow_origins is required when observability is enabled (deny-by-default)")
		}
		for _, origin := range c.Observability.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("observability.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Observability.ParsedCIDRs = append(c.Observability.ParsedCIDRs, cidr)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
