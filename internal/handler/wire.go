package handler

import (
	"bufio"
	"fmt"
	"io"
	"net/http/httputil"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/rchudasama/pylogproxy/internal/header"
)

// maxRequestLineLen and maxHeaderLineLen guard against a client that
// never sends a terminating CRLF.
const (
	maxRequestLineLen = 8 * 1024
	maxHeaderLineLen  = 64 * 1024
)

// ReadClientRequest parses one HTTP/1.1 request (request line, headers,
// and a Content-Length-bounded body) from r. The proxy does not support
// chunked request bodies from the client (§9): a chunked
// Transfer-Encoding on an inbound request is simply not read as a body,
// matching the core's documented limitation.
func ReadClientRequest(r *bufio.Reader) (*ClientRequest, error) {
	line, err := readLine(r, maxRequestLineLen)
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}

	hdrs, err := readHeaders(r)
	if err != nil {
		return nil, fmt.Errorf("read headers: %w", err)
	}

	body, err := readContentLengthBody(r, hdrs)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &ClientRequest{
		MethodValue:  parts[0],
		PathValue:    parts[1],
		VersionValue: parts[2],
		HeadersValue: hdrs,
		BodyValue:    body,
	}, nil
}

// WriteUpstreamRequest serialises req to w exactly as the core
// specifies: request line, each header verbatim in insertion order,
// a blank line, then the body bytes already read from the client.
func WriteUpstreamRequest(w io.Writer, req *ClientRequest) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s %s\r\n", req.Method(), req.Path(), req.Version()); err != nil {
		return err
	}
	var headerErr error
	req.Headers().Each(func(k, v string) {
		if headerErr != nil {
			return
		}
		_, headerErr = fmt.Fprintf(bw, "%s: %s\r\n", k, v)
	})
	if headerErr != nil {
		return headerErr
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(req.Body()) > 0 {
		if _, err := bw.Write(req.Body()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadUpstreamResponse parses one HTTP/1.x response from r, fully
// materialising the body per chunked Transfer-Encoding, Content-Length,
// or read-until-close, in that priority order.
func ReadUpstreamResponse(r *bufio.Reader) (*UpstreamResponse, error) {
	line, err := readLine(r, maxRequestLineLen)
	if err != nil {
		return nil, fmt.Errorf("read status line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status code %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	hdrs, err := readHeaders(r)
	if err != nil {
		return nil, fmt.Errorf("read headers: %w", err)
	}

	body, bodyErr := readResponseBody(r, hdrs)
	// ProtocolFraming: the upstream closed mid-body. Whatever bytes were
	// received are still relayed; the caller logs the warning.
	resp := &UpstreamResponse{
		VersionValue: parts[0],
		StatusValue:  status,
		ReasonValue:  reason,
		HeadersValue: hdrs,
		BodyValue:    body,
	}
	return resp, bodyErr
}

// WriteClientResponse serialises resp to w in the same verbatim style
// as WriteUpstreamRequest.
func WriteClientResponse(w io.Writer, resp *UpstreamResponse) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %d %s\r\n", resp.Version(), resp.Status(), resp.Reason()); err != nil {
		return err
	}
	var headerErr error
	resp.Headers().Each(func(k, v string) {
		if headerErr != nil {
			return
		}
		_, headerErr = fmt.Fprintf(bw, "%s: %s\r\n", k, v)
	})
	if headerErr != nil {
		return headerErr
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(resp.Body()) > 0 {
		if _, err := bw.Write(resp.Body()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readLine(r *bufio.Reader, max int) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max {
			return "", fmt.Errorf("line exceeds %d bytes", max)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

func readHeaders(r *bufio.Reader) (*header.Headers, error) {
	hdrs := header.New()
	for {
		line, err := readLine(r, maxHeaderLineLen)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid header %q", line)
		}
		hdrs.Add(name, value)
	}
	return hdrs, nil
}

func readContentLengthBody(r *bufio.Reader, hdrs *header.Headers) ([]byte, error) {
	cl := hdrs.Get("Content-Length")
	if cl == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("malformed Content-Length %q", cl)
	}
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// readResponseBody materialises the full response body, preferring
// Transfer-Encoding: chunked, then Content-Length, then read-until-close.
// A non-nil error alongside a non-empty body means the peer closed the
// connection before the declared length was satisfied; the partial
// bytes are still returned for relay.
func readResponseBody(r *bufio.Reader, hdrs *header.Headers) ([]byte, error) {
	if strings.EqualFold(hdrs.Get("Transfer-Encoding"), "chunked") {
		cr := httputil.NewChunkedReader(r)
		data, err := io.ReadAll(cr)
		return data, err
	}

	if cl := hdrs.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed Content-Length %q", cl)
		}
		if n == 0 {
			return nil, nil
		}
		body := make([]byte, n)
		read, err := io.ReadFull(r, body)
		if err != nil {
			return body[:read], err
		}
		return body, nil
	}

	return io.ReadAll(r)
}
