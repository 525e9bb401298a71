// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package relay

import (
	"io"
	"log/slog"

	"github.com/onlidesk/support-broker/internal/auth"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIdentity() auth.EndpointIdentity {
	return auth.EndpointIdentity{Fingerprint: "fp-1", Name: "kiosk-1"}
}

func testTechIdentity() auth.TechnicianIdentity {
	return auth.TechnicianIdentity{Subject: "tech-1", Name: "tech-1"}
}
