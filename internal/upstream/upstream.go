// Package upstream dials the origin server a client request is destined
// for: a plain TCP connection for forward HTTP, or a TLS-wrapped one for
// a CONNECT tunnel, verified against the OS trust store.
package upstream

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/rchudasama/pylogproxy/internal/mitm"
)

// DialTimeout bounds the TCP dial phase of Connect only; no deadline is
// set on the connection once it is open.
const DialTimeout = 10 * time.Second

// DialError wraps a failed TCP dial to the origin (the core's
// UpstreamDial error kind).
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string { return fmt.Sprintf("dial %s: %v", e.Addr, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// TLSError wraps a failed TLS client handshake against the origin (the
// core's UpstreamTls error kind).
type TLSError struct {
	Host string
	Err  error
}

func (e *TLSError) Error() string { return fmt.Sprintf("tls to %s: %v", e.Host, e.Err) }
func (e *TLSError) Unwrap() error { return e.Err }

// systemRoots is resolved once at package init so every Connect call
// shares the same trust bundle rather than re-reading it from disk.
var systemRoots *x509.CertPool

// SystemPoolUnavailable is non-nil when the OS trust store could not be
// loaded at startup; Connect then falls back to an empty pool, which
// rejects every upstream TLS certificate. Callers should log this once.
var SystemPoolUnavailable error

func init() {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		SystemPoolUnavailable = err
		systemRoots = x509.NewCertPool()
		return
	}
	systemRoots = pool
}

// OverrideTrustRootsForTest swaps the trust bundle Connect verifies
// upstream TLS against, returning a func that restores the original.
// Exists so tests outside this package (e.g. a handler test exercising
// a full CONNECT tunnel against a self-signed origin stub) can make the
// stub's certificate verifiable without weakening Connect itself.
func OverrideTrustRootsForTest(pool *x509.CertPool) (restore func()) {
	orig := systemRoots
	systemRoots = pool
	return func() { systemRoots = orig }
}

// Connect dials host:port, optionally negotiating TLS as a client
// verified against host as SNI using the system trust store. On a TLS
// connection it returns the peer's DNS SANs, or a synthesised
// [("DNS", host)] entry if the certificate carries none.
func Connect(host string, port int, useTLS bool) (net.Conn, []mitm.SAN, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, nil, &DialError{Addr: addr, Err: err}
	}

	if !useTLS {
		return conn, nil, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: host,
		RootCAs:    systemRoots,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		conn.Close() //nolint:errcheck // best-effort cleanup after failed handshake
		return nil, nil, &TLSError{Host: host, Err: err}
	}

	sans := peerSANs(tlsConn, host)
	return tlsConn, sans, nil
}

// peerSANs extracts DNS SANs from the verified peer certificate,
// falling back to a single synthesised entry naming host when the
// certificate declares none.
func peerSANs(tlsConn *tls.Conn, host string) []mitm.SAN {
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return []mitm.SAN{{Kind: "DNS", Value: host}}
	}

	leaf := state.PeerCertificates[0]
	if len(leaf.DNSNames) == 0 {
		return []mitm.SAN{{Kind: "DNS", Value: host}}
	}

	sans := make([]mitm.SAN, 0, len(leaf.DNSNames))
	for _, name := range leaf.DNSNames {
		sans = append(sans, mitm.SAN{Kind: "DNS", Value: name})
	}
	return sans
}
