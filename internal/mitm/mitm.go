package mitm

import (
	"crypto/tls"
	"fmt"
	"net"
)

// WrapClient performs the server-side TLS handshake on a hijacked client
// connection using the leaf certificate at certPath/keyPath, presenting
// it to the client as host. HTTP/2 is never negotiated (ALPN is left
// unset) — the tunnel always carries exactly one plaintext HTTP/1.1
// request, per the core's single-exchange CONNECT handling.
func WrapClient(clientConn net.Conn, certPath, keyPath string, ca *CA) (*tls.Conn, error) {
	tlsCfg, err := ca.TLSConfigFor(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("build tls config: %w", err)
	}

	tlsConn := tls.Server(clientConn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("client tls handshake: %w", err)
	}
	return tlsConn, nil
}
