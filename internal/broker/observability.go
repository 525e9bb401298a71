// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package broker

import (
	"net/http"

	"github.com/onlidesk/support-broker/internal/audit"
	"github.com/onlidesk/support-broker/internal/observability"
)

// providerAdapter implements observability.Provider over the broker's
// own live components, keeping that package decoupled from
// registry/transfer/monitor's concrete types.
type providerAdapter struct {
	b *Broker
}

func (p providerAdapter) ActiveSessions() int { return p.b.registry.Count() }

func (p providerAdapter) ActiveTransfers() int { return p.b.transferEngine.ActiveCount() }

func (p providerAdapter) ConnectedEndpoints() int { return p.b.registry.Count() }

func (p providerAdapter) BrokerLoad() observability.Load {
	s := p.b.monitor.Stats()
	return observability.Load{CPUPercent: s.CPUPercent, MemPercent: s.MemPercent, DiskFreeMB: s.DiskFreeMB}
}

// startObservability builds and starts the read-only HTTP health/
// metrics surface in the background, returning the *http.Server so
// Run can shut it down alongside the two broker listeners.
func (b *Broker) startObservability() *http.Server {
	acl := observability.NewACL(b.cfg.Observability.ParsedCIDRs)

	var ringSink *audit.RingSink
	if rs, ok := b.audit.(*audit.RingSink); ok {
		ringSink = rs
	} else if as, ok := b.audit.(*audit.ArchiveSink); ok {
		ringSink = as.RingSink
	}

	router := observability.NewRouter(providerAdapter{b: b}, acl, ringSink)
	srv := &http.Server{
		Addr:    b.cfg.Observability.Listen,
		Handler: router,
	}
	go func() {
		b.logger.Info("observability listening", "address", b.cfg.Observability.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error("observability server error", "error", err)
		}
	}()
	return srv
}
