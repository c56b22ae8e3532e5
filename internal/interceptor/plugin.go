package interceptor

import (
	"github.com/rchudasama/pylogproxy/internal/header"
	"github.com/rchudasama/pylogproxy/internal/logger"
)

// RequestView is the subset of a ClientRequest a plugin may read and
// mutate during the request phase.
type RequestView interface {
	Method() string
	Path() string
	Version() string
	Headers() *header.Headers
	Body() []byte
	SetBody([]byte)
}

// ResponseView is the subset of an UpstreamResponse a plugin may read
// and mutate during the response phase.
type ResponseView interface {
	Version() string
	Status() int
	Reason() string
	Headers() *header.Headers
	Body() []byte
	SetBody([]byte)
}

// Plugin is a value with up to two optional hooks; Register inserts it
// into whichever of the request/response lists its present hooks
// correspond to. A plugin implementing both hooks is invoked at both
// phases.
type Plugin struct {
	Name       string
	OnRequest  func(req RequestView, log *logger.Logger)
	OnResponse func(resp ResponseView, log *logger.Logger)
}

// Registry holds the ordered request and response plugin lists. It is
// written only during startup via Register and read-only thereafter.
type Registry struct {
	request  []Plugin
	response []Plugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends p to the request list if OnRequest is set, and to
// the response list if OnResponse is set, in that order. A plugin
// setting neither is rejected.
func (r *Registry) Register(p Plugin) error {
	if p.OnRequest == nil && p.OnResponse == nil {
		return ErrInvalidInterceptor
	}
	if p.OnRequest != nil {
		r.request = append(r.request, p)
	}
	if p.OnResponse != nil {
		r.response = append(r.response, p)
	}
	return nil
}

// RunRequest invokes every registered request hook, in registration
// order, against req.
func (r *Registry) RunRequest(req RequestView, log *logger.Logger) {
	for _, p := range r.request {
		p.OnRequest(req, log)
	}
}

// RunResponse invokes every registered response hook, in registration
// order, against resp.
func (r *Registry) RunResponse(resp ResponseView, log *logger.Logger) {
	for _, p := range r.response {
		p.OnResponse(resp, log)
	}
}
