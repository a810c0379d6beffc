// Package httpserver assembles and runs the public signing API listener.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/signatory/internal/health"
	"github.com/keithlinneman/signatory/internal/httpmw"
	"github.com/keithlinneman/signatory/internal/log"
	"github.com/keithlinneman/signatory/internal/xerrors"
)

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20

	// a sign request carries one base64 message
	DefaultMaxBodyBytes = 1 << 20
)

func isProbePath(p string) bool { return p == "/-/healthy" || p == "/-/ready" }

// NewHandler builds the API handler with its middleware stack. The caller
// owns the *http.Server.
func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog("/-/healthy", "/-/ready"))
	r.Use(httpmw.MaxBody(maxBody))

	if opts.Health != nil {
		r.Get("/-/healthy", health.Handler(opts.Health, "ok"))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.Handler(opts.Readiness, "ready"))
	}
	if opts.Routes != nil {
		opts.Routes(r)
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}

	traced := otelhttp.NewMiddleware("http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !isProbePath(r.URL.Path) }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// renamed to the route pattern by AnnotateHTTPRoute
			return r.Method + " " + r.URL.Path
		}),
	)

	return httpmw.Chain(r,
		recoverMW,
		httpmw.SecurityHeaders,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		traced,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(L),
	)
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Serve runs srv on ln in the background and returns an idempotent
// graceful stop func.
func Serve(ctx context.Context, L log.Logger, name string, srv *http.Server, ln net.Listener) func(context.Context) error {
	go func() {
		L.Info(ctx, name+" listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, name+" error")
		}
	}()

	var once sync.Once
	return func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, name+" shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
}

// Start listens on opts.Port (default 8080) and serves the API.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	return Serve(ctx, L, "http server", NewServer(addr, NewHandler(opts)), ln), nil
}
