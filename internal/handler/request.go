// Package handler implements the per-connection state machine: it reads
// exactly one client HTTP request (plain, or the one request carried
// inside a CONNECT tunnel), dispatches to the upstream connector and CA,
// runs the interceptor pipeline, and relays the response.
package handler

import "github.com/rchudasama/pylogproxy/internal/header"

// ClientRequest is one HTTP request read from the client: either a
// plain absolute-form request, or the single inner request read from a
// CONNECT tunnel after the client TLS handshake completes.
type ClientRequest struct {
	MethodValue  string
	PathValue    string
	VersionValue string
	HeadersValue *header.Headers
	BodyValue    []byte
}

func (r *ClientRequest) Method() string           { return r.MethodValue }
func (r *ClientRequest) Path() string             { return r.PathValue }
func (r *ClientRequest) Version() string          { return r.VersionValue }
func (r *ClientRequest) Headers() *header.Headers { return r.HeadersValue }
func (r *ClientRequest) Body() []byte             { return r.BodyValue }
func (r *ClientRequest) SetBody(b []byte)         { r.BodyValue = b }

// UpstreamResponse is the full response read back from the origin,
// before relay to the client.
type UpstreamResponse struct {
	VersionValue string
	StatusValue  int
	ReasonValue  string
	HeadersValue *header.Headers
	BodyValue    []byte
}

func (r *UpstreamResponse) Version() string          { return r.VersionValue }
func (r *UpstreamResponse) Status() int              { return r.StatusValue }
func (r *UpstreamResponse) Reason() string           { return r.ReasonValue }
func (r *UpstreamResponse) Headers() *header.Headers { return r.HeadersValue }
func (r *UpstreamResponse) Body() []byte             { return r.BodyValue }
func (r *UpstreamResponse) SetBody(b []byte)         { r.BodyValue = b }
