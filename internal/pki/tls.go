// Package pki configures TLS for the broker's two distinct peer
// relationships: mutual TLS with certificate pinning for endpoint
// agents, and standard server-authenticated TLS for technician
// portals.
package pki

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"os"
)

// NewEndpointClientTLSConfig builds the endpoint agent's TLS config:
// mutual auth against the broker's pinned CA.
func NewEndpointClientTLSConfig(caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
	}, nil
}

// NewEndpointServerTLSConfig builds the broker-side TLS config for the
// endpoint listener: mutual auth required, client certs verified
// against caCertPath.
func NewEndpointServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// NewTechnicianClientTLSConfig builds the technician portal's TLS
// config: standard WebPKI verification against the broker's pinned CA,
// no client certificate — technician identity comes from the
// pair_request credentials, not mTLS.
func NewTechnicianClientTLSConfig(caCertPath string) (*tls.Config, error) {
	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		RootCAs:    caPool,
	}, nil
}

// NewTechnicianServerTLSConfig builds the broker-side TLS config for
// the technician listener: standard WebPKI server authentication, no
// client certificate requirement — technician identity is established
// by the authentication interface over the connection, not by mTLS.
func NewTechnicianServerTLSConfig(serverCertPath, serverKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ClientFingerprint returns the SHA-256 fingerprint (hex) of the peer
// certificate a mutually-authenticated endpoint connection presented.
// The TLS handshake has already verified the chain against the pinned
// CA by the time this is called; this just gives the registry a stable
// identity to key sessions on. Returns "" if conn isn't a *tls.Conn or
// presented no client certificate.
func ClientFingerprint(conn net.Conn) string {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return ""
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	sum := sha256.Sum256(state.PeerCertificates[0].Raw)
	return hex.EncodeToString(sum[:])
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
