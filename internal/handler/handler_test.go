package handler

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rchudasama/pylogproxy/internal/config"
	"github.com/rchudasama/pylogproxy/internal/interceptor"
	"github.com/rchudasama/pylogproxy/internal/logger"
	"github.com/rchudasama/pylogproxy/internal/mitm"
	"github.com/rchudasama/pylogproxy/internal/upstream"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	reqDir := t.TempDir()
	return Deps{
		CA:          testCA(t),
		Registry:    interceptor.NewRegistry(),
		AppLog:      logger.New("TEST", os.Stdout, "error"),
		ReqLogDir:   reqDir,
		ReqLogLevel: "error",
	}
}

func testCA(t *testing.T) *mitm.CA {
	t.Helper()
	ssl := `
[ssl_certificate]
common_name = "Test Root CA"

[ssl_certificate.validity]
validity_seconds = 315360000

[ssl_private_key]
key_size = 2048

[ssl_digest]
digest = "sha256"

[certificate]
private_key_name = "ca-key.pem"
certificate_name = "ca-cert.pem"
`
	app := `
[app]
host = "127.0.0.1"
port = 0

[log.app]
level = "error"

[log.request]
dir = "logs"
level = "error"

[cache]
dir = "` + filepath.ToSlash(filepath.Join(t.TempDir(), "cache")) + `"
`
	dir := t.TempDir()
	sslPath := filepath.Join(dir, "ssl.toml")
	appPath := filepath.Join(dir, "app.toml")
	os.WriteFile(sslPath, []byte(ssl), 0o600) //nolint:errcheck
	os.WriteFile(appPath, []byte(app), 0o600) //nolint:errcheck
	t.Setenv("PYLOGPROXY_SSL_CONFIG", sslPath)
	t.Setenv("PYLOGPROXY_APP_CONFIG", appPath)

	ca, err := mitm.New(config.Load())
	if err != nil {
		t.Fatalf("mitm.New: %v", err)
	}
	return ca
}

// stubUpstream listens on loopback and replies with a fixed raw byte
// response to whatever the proxy writes, once.
func stubUpstream(t *testing.T, response []byte) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
		buf := make([]byte, 4096)
		conn.Read(buf) //nolint:errcheck
		conn.Write(response) //nolint:errcheck
	}()

	h, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(p)
	return h, port
}

func TestHandleConnection_PlainGET(t *testing.T) {
	host, port := stubUpstream(t, []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))

	clientConn, proxyConn := net.Pipe()
	deps := testDeps(t)

	go HandleConnection(proxyConn, deps)

	reqLine := "GET http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/foo?x=1 HTTP/1.1\r\nHost: " + host + "\r\n\r\n"
	if _, err := clientConn.Write([]byte(reqLine)); err != nil {
		t.Fatal(err)
	}

	reader := bufio.NewReader(clientConn)
	resp, err := ReadUpstreamResponse(reader)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Status() != 200 {
		t.Errorf("status: got %d", resp.Status())
	}
	if string(resp.Body()) != "hello" {
		t.Errorf("body: got %q", resp.Body())
	}
	if resp.Headers().Has("Transfer-Encoding") {
		t.Error("Transfer-Encoding should be stripped")
	}
}

func TestHandleConnection_BadScheme(t *testing.T) {
	clientConn, proxyConn := net.Pipe()
	deps := testDeps(t)
	go HandleConnection(proxyConn, deps)

	if _, err := clientConn.Write([]byte("GET ftp://host/ HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(clientConn)
	resp, err := ReadUpstreamResponse(reader)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Status() != 400 {
		t.Errorf("status: got %d, want 400", resp.Status())
	}
}

func TestHandleConnection_UpstreamDialFailure(t *testing.T) {
	clientConn, proxyConn := net.Pipe()
	deps := testDeps(t)
	go HandleConnection(proxyConn, deps)

	req := "POST http://127.0.0.1:1/ HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc"
	if _, err := clientConn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(clientConn)
	resp, err := ReadUpstreamResponse(reader)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Status() != 500 {
		t.Errorf("status: got %d, want 500", resp.Status())
	}
}

func TestHandleConnection_GzipTranscodeThroughDebugInterceptor(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write([]byte(`{"a":1}`)) //nolint:errcheck
	w.Close()                  //nolint:errcheck

	response := append([]byte("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: "+strconv.Itoa(gz.Len())+"\r\n\r\n"), gz.Bytes()...)
	host, port := stubUpstream(t, response)

	clientConn, proxyConn := net.Pipe()
	deps := testDeps(t)
	deps.Registry.Register(interceptor.NewDebugInterceptor(nil)) //nolint:errcheck

	go HandleConnection(proxyConn, deps)

	reqLine := "GET http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/data HTTP/1.1\r\nHost: " + host + "\r\n\r\n"
	if _, err := clientConn.Write([]byte(reqLine)); err != nil {
		t.Fatal(err)
	}

	reader := bufio.NewReader(clientConn)
	resp, err := ReadUpstreamResponse(reader)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Headers().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip Content-Encoding preserved, got %q", resp.Headers().Get("Content-Encoding"))
	}
	gr, err := gzip.NewReader(bytes.NewReader(resp.Body()))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gr.Close()
	var out bytes.Buffer
	out.ReadFrom(gr) //nolint:errcheck
	if out.String() != `{"a":1}` {
		t.Errorf("decoded body: got %q", out.String())
	}

	wantLen := strconv.Itoa(len(resp.Body()))
	if got := resp.Headers().Get("Content-Length"); got != wantLen {
		t.Errorf("Content-Length: got %q, want %q", got, wantLen)
	}
}

func TestOriginForm_DropsSchemeAndAuthority(t *testing.T) {
	u, err := url.Parse("http://example.test/foo?x=1")
	if err != nil {
		t.Fatal(err)
	}
	if got := originForm(u); got != "/foo?x=1" {
		t.Errorf("originForm: got %q", got)
	}
}

func TestOriginForm_DefaultsToSlash(t *testing.T) {
	u, err := url.Parse("http://example.test")
	if err != nil {
		t.Fatal(err)
	}
	if got := originForm(u); got != "/" {
		t.Errorf("originForm: got %q", got)
	}
}

// TestHandleConnection_ConnectThenInnerGET exercises a full CONNECT
// tunnel end to end: the proxy dials the origin over TLS, mints a leaf
// for it, TLS-wraps the client, reads the one inner request the tunnel
// carries, and relays the response.
func TestHandleConnection_ConnectThenInnerGET(t *testing.T) {
	// The CONNECT authority must be a DNS name, not an IP literal: the
	// minted leaf only ever carries DNS-kind SANs (mirroring the
	// origin's own DNS SANs), and TLS hostname verification against an
	// IP ServerName checks IPAddresses SANs instead, which this proxy
	// never mints. "localhost" resolves to loopback without relying on
	// external DNS.
	const originHost = "localhost"
	cert, key := selfSignedOriginCert(t, originHost)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{cert.Raw}, PrivateKey: key}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
		buf := make([]byte, 4096)
		conn.Read(buf) //nolint:errcheck
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")) //nolint:errcheck
	}()

	roots := x509.NewCertPool()
	roots.AddCert(cert)
	restore := upstream.OverrideTrustRootsForTest(roots)
	defer restore()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	authority := net.JoinHostPort(originHost, portStr)

	ca := testCA(t)
	deps := Deps{
		CA:          ca,
		Registry:    interceptor.NewRegistry(),
		AppLog:      logger.New("TEST", os.Stdout, "error"),
		ReqLogDir:   t.TempDir(),
		ReqLogLevel: "error",
	}

	clientConn, proxyConn := net.Pipe()
	go HandleConnection(proxyConn, deps)

	if _, err := clientConn.Write([]byte("CONNECT " + authority + " HTTP/1.1\r\nHost: " + authority + "\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	plainReader := bufio.NewReader(clientConn)
	connectLine, err := plainReader.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT ack: %v", err)
	}
	if connectLine != "HTTP/1.1 200 Connection established\r\n" {
		t.Fatalf("unexpected CONNECT ack: %q", connectLine)
	}
	// consume the blank line terminating the ack
	if _, err := plainReader.ReadString('\n'); err != nil {
		t.Fatalf("read ack terminator: %v", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(ca.RootCert())
	tlsClient := tls.Client(readerConn{Conn: clientConn, r: plainReader}, &tls.Config{
		ServerName: originHost,
		RootCAs:    rootPool,
		MinVersion: tls.VersionTLS12,
	})
	defer tlsClient.Close()
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client tls handshake: %v", err)
	}

	innerReq := "GET / HTTP/1.1\r\nHost: " + authority + "\r\n\r\n"
	if _, err := tlsClient.Write([]byte(innerReq)); err != nil {
		t.Fatal(err)
	}

	innerReader := bufio.NewReader(tlsClient)
	resp, err := ReadUpstreamResponse(innerReader)
	if err != nil {
		t.Fatalf("read inner response: %v", err)
	}
	if resp.Status() != 200 {
		t.Errorf("status: got %d, want 200", resp.Status())
	}
	if string(resp.Body()) != "ok" {
		t.Errorf("body: got %q, want %q", resp.Body(), "ok")
	}
}

// TestHandleConnection_PerRequestLogIsolation runs two concurrent
// exchanges through independent HandleConnection calls sharing one
// ReqLogDir, and asserts the directory then holds exactly two log files
// with distinct names, one per exchange.
func TestHandleConnection_PerRequestLogIsolation(t *testing.T) {
	hostA, portA := stubUpstream(t, []byte("HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA"))
	hostB, portB := stubUpstream(t, []byte("HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nB"))

	reqDir := t.TempDir()
	registry := interceptor.NewRegistry()
	registry.Register(interceptor.NewDebugInterceptor(nil)) //nolint:errcheck
	deps := Deps{
		CA:          testCA(t),
		Registry:    registry,
		AppLog:      logger.New("TEST", os.Stdout, "error"),
		ReqLogDir:   reqDir,
		ReqLogLevel: "debug",
	}

	run := func(host string, port int, done chan<- struct{}) {
		clientConn, proxyConn := net.Pipe()
		go func() {
			defer close(done)
			reqLine := "GET http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/ HTTP/1.1\r\nHost: " + host + "\r\n\r\n"
			clientConn.Write([]byte(reqLine)) //nolint:errcheck
			reader := bufio.NewReader(clientConn)
			ReadUpstreamResponse(reader) //nolint:errcheck
			clientConn.Close()           //nolint:errcheck
		}()
		HandleConnection(proxyConn, deps)
	}

	doneA := make(chan struct{})
	doneB := make(chan struct{})
	go run(hostA, portA, doneA)
	go run(hostB, portB, doneB)
	<-doneA
	<-doneB

	entries, err := os.ReadDir(reqDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 distinct log files, got %d: %v", len(entries), entries)
	}
	if entries[0].Name() == entries[1].Name() {
		t.Fatalf("expected distinct log file names, both were %q", entries[0].Name())
	}
}

// selfSignedOriginCert mirrors internal/upstream's test helper: a
// self-signed leaf valid for both cn (DNS) and 127.0.0.1 (IP). The
// CONNECT test here dials the stub by the DNS name cn, so only the DNS
// SAN is checked.
func selfSignedOriginCert(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

// readerConn adapts a net.Conn whose initial bytes have already been
// consumed into a bufio.Reader, so tls.Client can resume reading from
// the same buffered stream instead of racing the raw connection.
type readerConn struct {
	net.Conn
	r *bufio.Reader
}

func (c readerConn) Read(p []byte) (int, error) { return c.r.Read(p) }
