// Package opshttp serves the operator listener: metrics, health and
// optional pprof, kept off the public API port.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/keithlinneman/signatory/internal/health"
	"github.com/keithlinneman/signatory/internal/httpmw"
	"github.com/keithlinneman/signatory/internal/httpserver"
	"github.com/keithlinneman/signatory/internal/log"
	"github.com/keithlinneman/signatory/internal/xerrors"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	OnPanic     func()
}

// NewHandler returns the ops mux. With pprof disabled /debug/pprof/
// answers 404.
func NewHandler(L log.Logger, opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /-/healthy", health.Handler(opts.Health, "ok"))
	mux.Handle("GET /-/ready", health.Handler(opts.Readiness, "ready"))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}
	return httpmw.Recover(L, opts.OnPanic)(mux)
}

// Start listens on opts.Port (default 9000) and returns a graceful stop.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	addr := fmt.Sprintf(":%d", port)
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen for ops on %s", addr)
	}
	srv := httpserver.NewServer(addr, NewHandler(L, opts))
	// profile and trace stream for up to their seconds parameter
	srv.WriteTimeout = 0
	return httpserver.Serve(ctx, L, "ops http server", srv, ln), nil
}
