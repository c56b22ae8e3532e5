// Command pylogproxy is a man-in-the-middle logging forward proxy for
// developer observability: point a client's HTTP(S)_PROXY at it, trust
// its root certificate, and every exchange is forwarded and logged to
// its own per-request file.
//
// No flags. All behaviour is read from the TOML configuration files
// (see internal/config), overridable via PYLOGPROXY_SSL_CONFIG and
// PYLOGPROXY_APP_CONFIG.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rchudasama/pylogproxy/internal/config"
	"github.com/rchudasama/pylogproxy/internal/handler"
	"github.com/rchudasama/pylogproxy/internal/interceptor"
	"github.com/rchudasama/pylogproxy/internal/listener"
	"github.com/rchudasama/pylogproxy/internal/logger"
	"github.com/rchudasama/pylogproxy/internal/metrics"
	"github.com/rchudasama/pylogproxy/internal/mitm"
	"github.com/rchudasama/pylogproxy/internal/upstream"
)

func main() {
	cfg := config.Load()
	appLog := logger.New("PROXY", os.Stderr, cfg.LogApp().Level)

	ca, err := mitm.New(cfg)
	if err != nil {
		appLog.Fatalf("ca_init", "%v", err)
	}

	registry := interceptor.NewRegistry()
	if err := registry.Register(interceptor.NewDebugInterceptor(nil)); err != nil {
		appLog.Fatalf("plugin_register", "%v", err)
	}

	if upstream.SystemPoolUnavailable != nil {
		appLog.Warnf("trust_store", "system cert pool unavailable, upstream TLS verification will fail closed: %v", upstream.SystemPoolUnavailable)
	}

	app := cfg.App()
	reqLog := cfg.LogRequest()
	printBanner(cfg, ca)

	m := metrics.New()
	deps := handler.Deps{
		CA:          ca,
		Registry:    registry,
		AppLog:      appLog,
		ReqLogDir:   reqLog.Dir,
		ReqLogLevel: reqLog.Level,
		Metrics:     m,
	}

	if err := os.MkdirAll(reqLog.Dir, 0o755); err != nil {
		appLog.Fatalf("request_log_dir", "%v", err)
	}

	addr := net.JoinHostPort(app.Host, fmt.Sprintf("%d", app.Port))
	l := listener.New(addr, deps, appLog)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	appLog.Infof("listen", "accepting connections on %s", addr)
	if err := l.Serve(ctx); err != nil {
		appLog.Errorf("serve", "%v", err)
	}

	snap := m.Snapshot()
	appLog.Infof("shutdown", "accepted=%d connects=%d forwards=%d certMints=%d dialFailures=%d tlsFailures=%d mintFailures=%d",
		snap.Connections.Accepted, snap.Connections.Connects, snap.Connections.Forwards,
		snap.CertMints, snap.Errors.Dial, snap.Errors.TLS, snap.Errors.Mint)

	fmt.Println("Proxy server Disconnected")
}

func printBanner(cfg *config.Config, ca *mitm.CA) {
	app := cfg.App()
	cache := cfg.Cache()
	reqLog := cfg.LogRequest()

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║              PyLogProxy  (Go)                         ║
╚══════════════════════════════════════════════════════╝
  Listening on    : %s:%d
  Root CA subject : %s
  Cert cache dir  : %s
  Request log dir : %s

  Point clients here and trust the root CA above:
    export HTTP_PROXY=http://%s:%d
    export HTTPS_PROXY=http://%s:%d

`, app.Host, app.Port, ca.RootCert().Subject, cache.Dir, reqLog.Dir, app.Host, app.Port, app.Host, app.Port)
}
