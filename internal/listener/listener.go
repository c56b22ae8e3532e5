// Package listener runs the accept loop: one worker goroutine per
// accepted connection, tracked so a graceful shutdown can wait for
// in-flight exchanges to finish.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/rchudasama/pylogproxy/internal/handler"
	"github.com/rchudasama/pylogproxy/internal/logger"
)

// Listener binds to one TCP address and dispatches every accepted
// connection to handler.HandleConnection on its own worker goroutine.
type Listener struct {
	addr string
	deps handler.Deps
	log  *logger.Logger
}

// New returns a Listener bound to addr (host:port), not yet listening.
func New(addr string, deps handler.Deps, log *logger.Logger) *Listener {
	return &Listener{addr: addr, deps: deps, log: log}
}

// Serve binds the listening socket and accepts connections until ctx is
// cancelled. On cancellation it stops accepting and waits for every
// in-flight worker to finish its single exchange before returning.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", l.addr, err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				break
			}
			l.log.Warnf("accept", "%v", err)
			continue
		}

		group.Go(func() error {
			handler.HandleConnection(conn, l.deps)
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
