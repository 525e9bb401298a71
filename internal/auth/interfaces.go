// Copyright (c) 2026 Onlidesk. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package auth defines the broker's external authentication boundary.
// Both interfaces are blocking; the broker never caches a result beyond
// the session it was established for.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// ErrRejected is returned by either authenticator when credentials do not verify.
var ErrRejected = errors.New("auth: credentials rejected")

// EndpointIdentity is the durable identity established when an endpoint
// agent's credentials verify.
type EndpointIdentity struct {
	Fingerprint string
	Name        string
	Unattended  bool
}

// TechnicianIdentity is the identity established when a technician's
// credentials verify.
type TechnicianIdentity struct {
	Subject string
	Name    string
}

// EndpointAuthenticator verifies the opaque credentials an endpoint agent
// presents in its register frame.
type EndpointAuthenticator interface {
	AuthenticateEndpoint(ctx context.Context, credentials []byte, claimedName string) (EndpointIdentity, error)
}

// TechnicianAuthenticator verifies the opaque credentials a technician
// portal presents in its pair_request frame.
type TechnicianAuthenticator interface {
	AuthenticateTechnician(ctx context.Context, credentials []byte, claimedName string) (TechnicianIdentity, error)
}

// StaticSecretAuthenticator implements both interfaces against a fixed
// table of password-derived verifiers, the unattended-mode path per
// spec's §4.2: "a different endpoint_auth path", verify-only — rotation
// and revocation are left to whatever persists the verifier table.
type StaticSecretAuthenticator struct {
	// EndpointVerifiers maps endpoint name to the SHA-256 of its secret.
	EndpointVerifiers map[string][32]byte
	// TechnicianVerifiers maps technician subject to the SHA-256 of its secret.
	TechnicianVerifiers map[string][32]byte
}

// NewStaticSecretAuthenticator builds an authenticator with empty verifier
// tables; entries are added with SetEndpointSecret/SetTechnicianSecret.
func NewStaticSecretAuthenticator() *StaticSecretAuthenticator {
	return &StaticSecretAuthenticator{
		EndpointVerifiers:   make(map[string][32]byte),
		TechnicianVerifiers: make(map[string][32]byte),
	}
}

// SetEndpointSecret stores the verifier for a named endpoint.
func (a *StaticSecretAuthenticator) SetEndpointSecret(name string, secret []byte) {
	a.EndpointVerifiers[name] = sha256.Sum256(secret)
}

// SetTechnicianSecret stores the verifier for a named technician.
func (a *StaticSecretAuthenticator) SetTechnicianSecret(subject string, secret []byte) {
	a.TechnicianVerifiers[subject] = sha256.Sum256(secret)
}

func (a *StaticSecretAuthenticator) AuthenticateEndpoint(_ context.Context, credentials []byte, claimedName string) (EndpointIdentity, error) {
	want, ok := a.EndpointVerifiers[claimedName]
	if !ok {
		return EndpointIdentity{}, ErrRejected
	}
	got := sha256.Sum256(credentials)
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return EndpointIdentity{}, ErrRejected
	}
	return EndpointIdentity{Fingerprint: claimedName, Name: claimedName, Unattended: true}, nil
}

func (a *StaticSecretAuthenticator) AuthenticateTechnician(_ context.Context, credentials []byte, claimedName string) (TechnicianIdentity, error) {
	want, ok := a.TechnicianVerifiers[claimedName]
	if !ok {
		return TechnicianIdentity{}, ErrRejected
	}
	got := sha256.Sum256(credentials)
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return TechnicianIdentity{}, ErrRejected
	}
	return TechnicianIdentity{Subject: claimedName, Name: claimedName}, nil
}

// TLSFingerprintAuthenticator authenticates endpoints by their already
// mTLS-verified client certificate fingerprint — pki.ClientFingerprint
// has already done the certificate-chain verification at the TLS layer
// by the time this is called; this just maps fingerprint to identity.
type TLSFingerprintAuthenticator struct {
	Allowed map[string]string // fingerprint -> endpoint name
}

func (a *TLSFingerprintAuthenticator) AuthenticateEndpoint(_ context.Context, credentials []byte, claimedName string) (EndpointIdentity, error) {
	fingerprint := string(credentials)
	name, ok := a.Allowed[fingerprint]
	if !ok {
		return EndpointIdentity{}, ErrRejected
	}
	if claimedName != "" && claimedName != name {
		return EndpointIdentity{}, ErrRejected
	}
	return EndpointIdentity{Fingerprint: fingerprint, Name: name}, nil
}
