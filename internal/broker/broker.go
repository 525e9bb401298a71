// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/onlidesk/support-broker/internal/audit"
	"github.com/onlidesk/support-broker/internal/auth"
	"github.com/onlidesk/support-broker/internal/config"
	"github.com/onlidesk/support-broker/internal/monitor"
	"github.com/onlidesk/support-broker/internal/pki"
	"github.com/onlidesk/support-broker/internal/protocol"
	"github.com/onlidesk/support-broker/internal/registry"
	"github.com/onlidesk/support-broker/internal/relay"
	"github.com/onlidesk/support-broker/internal/transfer"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// progressEmitInterval is how often in-progress transfers receive a
// transfer_progress frame on both legs.
const progressEmitInterval = 2 * time.Second

// stallSweepInterval is the cadence of the stalled-transfer sweep.
const stallSweepInterval = 10 * time.Second

// idleSweepSchedule is the cron schedule the idle-session sweep runs
// on, independent of the configured idle timeout itself.
const idleSweepSchedule = "@every 1m"

// Broker wires the registry, relay, transfer engine and audit sink
// together and runs the two accept loops — the endpoint-facing mTLS
// listener and the technician-facing listener.
type Broker struct {
	cfg    *config.BrokerConfig
	logger *slog.Logger

	registry       *registry.Registry
	transferEngine *transfer.Engine
	audit          audit.Sink
	archive        *audit.ArchiveSink
	monitor        *monitor.Monitor
	endpointAuth   auth.EndpointAuthenticator
	technicianAuth auth.TechnicianAuthenticator

	mu      sync.Mutex
	relays  map[string]*relay.Relay
	sweeper *registry.IdleSweeper
}

// Run builds every broker component from cfg and blocks serving both
// listeners until ctx is cancelled.
func Run(ctx context.Context, cfg *config.BrokerConfig, logger *slog.Logger) error {
	b, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	endpointTLS, err := pki.NewEndpointServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		return fmt.Errorf("configuring endpoint TLS: %w", err)
	}
	technicianTLS, err := pki.NewTechnicianServerTLSConfig(cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		return fmt.Errorf("configuring technician TLS: %w", err)
	}

	endpointLn, err := tls.Listen("tcp", cfg.Server.EndpointListen, endpointTLS)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.EndpointListen, err)
	}
	defer endpointLn.Close()

	technicianLn, err := tls.Listen("tcp", cfg.Server.TechnicianListen, technicianTLS)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.TechnicianListen, err)
	}
	defer technicianLn.Close()

	logger.Info("broker listening",
		"endpoint_address", cfg.Server.EndpointListen,
		"technician_address", cfg.Server.TechnicianListen)

	b.monitor.Start()
	b.sweeper.Start()
	defer b.sweeper.Stop()
	defer b.monitor.Stop()

	go b.runStallSweeper(ctx)

	var httpSrv *http.Server
	if cfg.Observability.Enabled {
		httpSrv = b.startObservability()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down broker")
		endpointLn.Close()
		technicianLn.Close()
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		acceptLoop(ctx, endpointLn, logger, b.handleEndpointConnection)
	}()
	go func() {
		defer wg.Done()
		acceptLoop(ctx, technicianLn, logger, b.handleTechnicianConnection)
	}()
	wg.Wait()

	logger.Info("broker shutdown complete")
	return nil
}

// acceptLoop runs a single listener's accept-with-backoff loop,
// dispatching each accepted connection to handle in its own goroutine.
func acceptLoop(ctx context.Context, ln net.Listener, logger *slog.Logger, handle func(context.Context, net.Conn)) {
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0
		go handle(ctx, conn)
	}
}

func newBroker(cfg *config.BrokerConfig, logger *slog.Logger) (*Broker, error) {
	if err := os.MkdirAll(cfg.Storage.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage base_dir: %w", err)
	}

	reg := registry.New(registry.Caps{
		MaxSessionsTotal:       cfg.Registry.MaxSessionsTotal,
		MaxSessionsPerEndpoint: cfg.Registry.MaxSessionsPerEndpoint,
		CompressionMode:        cfg.Transfer.CompressionModeByte(),
	}, logger)

	ringSink, err := audit.NewRingSink(cfg.Audit.EventsFile, cfg.Audit.RingCapacity, cfg.Audit.EventsMaxLines)
	if err != nil {
		return nil, fmt.Errorf("opening audit sink: %w", err)
	}

	var sink audit.Sink = ringSink
	var archiveSink *audit.ArchiveSink
	if cfg.Audit.Archive.Enabled {
		uploader, err := newS3Uploader(context.Background(), cfg.Audit.Archive.Region)
		if err != nil {
			return nil, fmt.Errorf("configuring audit archive: %w", err)
		}
		archiveSink = audit.NewArchiveSink(ringSink, uploader, cfg.Audit.Archive.Bucket, cfg.Audit.Archive.Prefix, logger)
		sink = archiveSink
	}

	store := transfer.NewLocalStore(cfg.Storage.BaseDir)
	policy := transfer.Policy{
		MaxFileSize:             uint64(cfg.Transfer.MaxFileSizeRaw),
		MinChunkSize:            uint32(cfg.Transfer.ChunkSizeMinRaw),
		MaxChunkSize:            uint32(cfg.Transfer.ChunkSizeMaxRaw),
		Extensions:              transfer.ExtensionPolicy{Allowed: cfg.Transfer.AllowedExtensions, Blocked: cfg.Transfer.BlockedExtensions},
		MaxConcurrentPerSession: int32(cfg.Transfer.MaxConcurrentPerSession),
		RequireApprovalUpload:   cfg.Transfer.RequireApprovalUpload,
		RequireApprovalDownload: cfg.Transfer.RequireApprovalDownload,
		AutoApproveBelowBytes:   uint64(cfg.Transfer.AutoApproveBelowBytesRaw),
	}
	quota := transfer.NewMemQuota(0)
	engine := transfer.NewEngine(store, policy, quota, transfer.Config{
		ProgressInterval:    progressEmitInterval,
		StallTimeout:        cfg.Transfer.StallTimeout,
		BackpressureTimeout: cfg.Relay.BackpressureTimeout,
		ThroughputCapBps:    cfg.Transfer.ThroughputCapBytesPerSecRaw,
		ProtocolVersion:     protocol.ProtocolVersion,
	}, logger, audit.EngineHook(sink))

	mon := monitor.New(logger, cfg.Storage.BaseDir, 15*time.Second)

	staticAuth := auth.NewStaticSecretAuthenticator()
	for name, secret := range cfg.Auth.EndpointSecrets {
		staticAuth.SetEndpointSecret(name, []byte(secret))
	}
	for subject, secret := range cfg.Auth.TechnicianSecrets {
		staticAuth.SetTechnicianSecret(subject, []byte(secret))
	}

	b := &Broker{
		cfg:            cfg,
		logger:         logger,
		registry:       reg,
		transferEngine: engine,
		audit:          sink,
		archive:        archiveSink,
		monitor:        mon,
		endpointAuth:   staticAuth,
		technicianAuth: staticAuth,
		relays:         make(map[string]*relay.Relay),
	}

	reg.OnTerminate(func(session *registry.Session) {
		if n := b.transferEngine.CancelSession(session); n > 0 {
			b.logger.Info("cancelled transfers on session terminate", "sid", session.SID, "count", n)
		}
		b.removeRelay(session.SID)
		if b.archive != nil {
			b.archive.CloseSession(context.Background(), session.SID)
		}
		if b.audit != nil {
			b.audit.Append(context.Background(), audit.Record{Kind: "session_closed", SID: session.SID, Message: string(session.TerminationReason())})
		}
	})

	sweeper, err := registry.NewIdleSweeper(reg, idleSweepSchedule, cfg.Registry.IdleTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("building idle sweeper: %w", err)
	}
	b.sweeper = sweeper

	return b, nil
}

func (b *Broker) close() {
	if b.audit != nil {
		b.audit.Close()
	}
}

func (b *Broker) relayFor(sid string) *relay.Relay {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relays[sid]
}

func (b *Broker) putRelay(sid string, r *relay.Relay) {
	b.mu.Lock()
	b.relays[sid] = r
	b.mu.Unlock()
}

func (b *Broker) removeRelay(sid string) {
	b.mu.Lock()
	delete(b.relays, sid)
	b.mu.Unlock()
}

func (b *Broker) runStallSweeper(ctx context.Context) {
	ticker := time.NewTicker(stallSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bySID := make(map[string]*registry.Session)
			for _, s := range b.registry.Snapshot() {
				bySID[s.SID] = s
			}
			if n := b.transferEngine.SweepStalled(bySID); n > 0 {
				b.logger.Info("stalled transfer sweep", "count", n)
			}
		}
	}
}

// newS3Uploader builds an audit.Uploader from the ambient AWS SDK
// config/credential chain (environment, shared config, instance
// role) — the broker never takes AWS credentials directly.
func newS3Uploader(ctx context.Context, region string) (audit.Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return audit.NewS3Archiver(s3.NewFromConfig(awsCfg)), nil
}

