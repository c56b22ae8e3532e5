package handler

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rchudasama/pylogproxy/internal/header"
	"github.com/rchudasama/pylogproxy/internal/interceptor"
	"github.com/rchudasama/pylogproxy/internal/logger"
	"github.com/rchudasama/pylogproxy/internal/metrics"
	"github.com/rchudasama/pylogproxy/internal/mitm"
	"github.com/rchudasama/pylogproxy/internal/reqlog"
	"github.com/rchudasama/pylogproxy/internal/upstream"
)

// Connection is the per-accepted-socket state the handler threads
// through one exchange: a single CONNECT tunnel carrying one inner
// request, or one plain forward-HTTP request.
type Connection struct {
	Client    net.Conn
	Upstream  net.Conn
	IsConnect bool
	Hostname  string
	Port      int
	SSLHost   bool
	SAN       []mitm.SAN
	RequestID string
	Log       *logger.Logger
}

// Deps bundles the collaborators the handler needs per exchange: the
// certificate authority for CONNECT interception and the plugin
// registry run around every forwarded request.
type Deps struct {
	CA          *mitm.CA
	Registry    *interceptor.Registry
	AppLog      *logger.Logger
	ReqLogDir   string
	ReqLogLevel string
	Metrics     *metrics.Metrics // nil is valid; every call site nil-checks
}

// HandleConnection owns one accepted client socket end to end: it reads
// exactly one request (or, for CONNECT, TLS-wraps the client and reads
// exactly one inner request), forwards it, relays the response, and
// closes both sockets on every exit path.
func HandleConnection(client net.Conn, deps Deps) {
	if deps.Metrics != nil {
		deps.Metrics.ConnectionsAccepted.Add(1)
	}

	sink := reqlog.New(deps.ReqLogDir, deps.ReqLogLevel)
	defer sink.Close() //nolint:errcheck // best-effort on a log sink

	conn := &Connection{Client: client, RequestID: sink.ID, Log: sink.Logger}
	defer conn.Client.Close() //nolint:errcheck

	reader := bufio.NewReader(client)
	req, err := ReadClientRequest(reader)
	if err != nil {
		conn.Log.Warnf("read_request", "failed to read client request: %v", err)
		return
	}

	deps.AppLog.Infof("access", "%s %s id=%s", req.Method(), req.Path(), conn.RequestID)

	if strings.EqualFold(req.Method(), "CONNECT") {
		handleConnect(conn, req, deps)
		return
	}
	handleForward(conn, req, deps)
}

// handleConnect implements CONNECT_DIAL -> CONNECT_SUCCESS ->
// TLS_WRAP_CLIENT -> INNER_READ_REQUEST -> FORWARD_AND_RELAY.
func handleConnect(conn *Connection, req *ClientRequest, deps Deps) {
	conn.IsConnect = true
	if deps.Metrics != nil {
		deps.Metrics.ConnectsTotal.Add(1)
	}
	host, portStr, err := net.SplitHostPort(req.Path())
	if err != nil {
		writeSimpleResponse(conn.Client, 400, "Bad CONNECT authority")
		conn.Log.Warnf("connect_parse", "malformed authority %q: %v", req.Path(), err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		writeSimpleResponse(conn.Client, 400, "Bad CONNECT port")
		conn.Log.Warnf("connect_parse", "malformed port %q", portStr)
		return
	}
	conn.Hostname = host
	conn.Port = port

	originConn, sans, err := upstream.Connect(host, port, true)
	if err != nil {
		writeSimpleResponse(conn.Client, 500, err.Error())
		conn.Log.Errorf("connect_dial", "%v", err)
		recordDialOrTLSFailure(deps.Metrics, err)
		return
	}
	conn.Upstream = originConn
	defer conn.Upstream.Close() //nolint:errcheck
	conn.SAN = sans

	// The leaf is minted for the CONNECT authority's hostname; the SNI the
	// client sends in its later handshake is not checked against it.
	mintStart := time.Now()
	certPath, keyPath, err := deps.CA.Mint(host, sans)
	if deps.Metrics != nil {
		deps.Metrics.RecordMintLatency(time.Since(mintStart))
	}
	if err != nil {
		mitm.LogMintFailure(conn.Log, host, err)
		writeSimpleResponse(conn.Client, 500, err.Error())
		if deps.Metrics != nil {
			deps.Metrics.MintFailures.Add(1)
		}
		return
	}
	if deps.Metrics != nil {
		deps.Metrics.CertMints.Add(1)
	}

	if _, err := conn.Client.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		conn.Log.Warnf("connect_ack", "failed to write 200: %v", err)
		return
	}

	tlsConn, err := mitm.WrapClient(conn.Client, certPath, keyPath, deps.CA)
	if err != nil {
		conn.Log.Errorf("client_tls_handshake", "%v", err)
		return
	}
	conn.Client = tlsConn
	conn.SSLHost = true

	innerReader := bufio.NewReader(tlsConn)
	innerReq, err := ReadClientRequest(innerReader)
	if err != nil {
		conn.Log.Warnf("inner_read_request", "%v", err)
		return
	}

	forwardAndRelay(conn, innerReq, deps)
}

// handleForward implements PARSE_ABSOLUTE_URL -> DIAL_UPSTREAM ->
// FORWARD_AND_RELAY for a non-CONNECT request.
func handleForward(conn *Connection, req *ClientRequest, deps Deps) {
	if deps.Metrics != nil {
		deps.Metrics.ForwardsTotal.Add(1)
	}
	u, err := url.Parse(req.Path())
	if err != nil || u.Scheme == "" {
		writeSimpleResponse(conn.Client, 400, fmt.Sprintf("Unsupported scheme %q", req.Path()))
		return
	}
	if u.Scheme != "http" {
		writeSimpleResponse(conn.Client, 400, fmt.Sprintf("Unsupported scheme %s", u.Scheme))
		return
	}

	host := u.Hostname()
	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			writeSimpleResponse(conn.Client, 400, "Bad port in request URL")
			return
		}
	}
	conn.Hostname = host
	conn.Port = port

	req.PathValue = originForm(u)

	originConn, _, err := upstream.Connect(host, port, false)
	if err != nil {
		writeSimpleResponse(conn.Client, 500, err.Error())
		conn.Log.Errorf("upstream_dial", "%v", err)
		recordDialOrTLSFailure(deps.Metrics, err)
		return
	}
	conn.Upstream = originConn
	defer conn.Upstream.Close() //nolint:errcheck

	forwardAndRelay(conn, req, deps)
}

// originForm rebuilds the origin-form target forwarded upstream: path
// (default "/"), query, and fragment, with scheme and authority
// dropped. Go's net/url does not separate ";params" from the path
// segment the way Python's urlparse does; in practice no HTTP/1.1
// client still uses path-parameters, so EscapedPath is forwarded as-is.
func originForm(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		path += "#" + u.EscapedFragment()
	}
	return path
}

// forwardAndRelay implements §4.C's FORWARD_AND_RELAY: run request
// plugins, write the upstream request, read the full response, strip
// Transfer-Encoding, run response plugins, relay to the client.
func forwardAndRelay(conn *Connection, req *ClientRequest, deps Deps) {
	deps.Registry.RunRequest(req, conn.Log)

	roundTripStart := time.Now()
	if err := WriteUpstreamRequest(conn.Upstream, req); err != nil {
		writeSimpleResponse(conn.Client, 500, err.Error())
		conn.Log.Errorf("upstream_write", "%v", err)
		return
	}

	upstreamReader := bufio.NewReader(conn.Upstream)
	resp, err := ReadUpstreamResponse(upstreamReader)
	if deps.Metrics != nil {
		deps.Metrics.RecordUpstreamLatency(time.Since(roundTripStart))
	}
	if resp == nil {
		writeSimpleResponse(conn.Client, 500, fmt.Sprintf("upstream response: %v", err))
		conn.Log.Errorf("upstream_read", "%v", err)
		return
	}
	if err != nil {
		conn.Log.Warnf("upstream_read", "connection closed mid-body, relaying partial response: %v", err)
	}

	resp.Headers().Del("Transfer-Encoding")

	deps.Registry.RunResponse(resp, conn.Log)

	if err := WriteClientResponse(conn.Client, resp); err != nil {
		conn.Log.Warnf("client_write", "%v", err)
	}
}

// recordDialOrTLSFailure classifies an upstream.Connect error into the
// Dial or TLS metrics counter; a nil Metrics is a no-op.
func recordDialOrTLSFailure(m *metrics.Metrics, err error) {
	if m == nil {
		return
	}
	var tlsErr *upstream.TLSError
	if errors.As(err, &tlsErr) {
		m.TLSFailures.Add(1)
		return
	}
	m.DialFailures.Add(1)
}

// writeSimpleResponse sends a minimal HTTP/1.1 error response with no
// body, used for every error-mapping case where no upstream response
// is available to relay.
func writeSimpleResponse(w net.Conn, status int, reason string) {
	hdrs := header.New()
	hdrs.Add("Content-Length", "0")
	hdrs.Add("Connection", "close")
	resp := &UpstreamResponse{
		VersionValue: "HTTP/1.1",
		StatusValue:  status,
		ReasonValue:  reason,
		HeadersValue: hdrs,
	}
	WriteClientResponse(w, resp) //nolint:errcheck // best-effort on an already-failing exchange
}
