package interceptor

import (
	"fmt"
	"strconv"

	"github.com/rchudasama/pylogproxy/internal/logger"
)

// transcodableEncodings is the set of Content-Encoding values the
// debug plugin knows how to decode, inspect, and re-encode.
var transcodableEncodings = map[string]bool{"gzip": true, "deflate": true, "br": true}

// ModifyResponse is the reference plugin's extension point: called with
// the decoded body after a successful decompress and before
// re-compression. The default is the identity function. The returned
// body is what gets re-compressed and relayed; if the hook returns an
// error, the error is logged and the decoded body is re-compressed
// unmodified.
type ModifyResponse func(decoded []byte) ([]byte, error)

// NewDebugInterceptor returns the reference plugin: it logs every
// request and response verbatim to the per-exchange logger and
// transcodes compressed response bodies so their decoded form is
// visible in the log. modify, if non-nil, is given the decoded body
// before re-compression; a nil modify is the identity.
func NewDebugInterceptor(modify ModifyResponse) Plugin {
	if modify == nil {
		modify = func(b []byte) ([]byte, error) { return b, nil }
	}
	return Plugin{
		Name:       "debug",
		OnRequest:  debugOnRequest,
		OnResponse: debugOnResponse(modify),
	}
}

func debugOnRequest(req RequestView, log *logger.Logger) {
	log.Info("request", fmt.Sprintf("%s %s %s", req.Method(), req.Path(), req.Version()))
	req.Headers().Each(func(k, v string) {
		log.Info("request_header", fmt.Sprintf("%s: %s", k, v))
	})
	log.Info("request_body", string(req.Body()))
}

func debugOnResponse(modify ModifyResponse) func(ResponseView, *logger.Logger) {
	return func(resp ResponseView, log *logger.Logger) {
		log.Info("response", fmt.Sprintf("%s %d %s", resp.Version(), resp.Status(), resp.Reason()))
		resp.Headers().Each(func(k, v string) {
			log.Info("response_header", fmt.Sprintf("%s: %s", k, v))
		})

		encoding := resp.Headers().Get("Content-Encoding")
		if !transcodableEncodings[encoding] {
			log.Warn("response_body", "unrecognised Content-Encoding, logging body as-is")
			log.Info("response_body", string(resp.Body()))
			return
		}

		dec := Decompress(resp.Body(), encoding)
		if dec.Err != nil {
			log.Errorf("response_decode", "decompress %s failed: %v; keeping original body", encoding, dec.Err)
			return
		}
		if dec.Warning != "" {
			log.Warn("response_decode", dec.Warning)
		}
		log.Info("response_body", string(dec.Data))

		modified, err := modify(dec.Data)
		if err != nil {
			log.Errorf("response_modify", "modify_response failed: %v; using decoded body unmodified", err)
			modified = dec.Data
		}

		enc := Compress(modified, encoding)
		if enc.Err != nil {
			log.Errorf("response_encode", "recompress %s failed: %v; keeping previous body", encoding, enc.Err)
			return
		}

		resp.SetBody(enc.Data)
		resp.Headers().Set("Content-Length", strconv.Itoa(len(enc.Data)))
	}
}
