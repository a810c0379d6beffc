package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/signatory/internal/health"
	"github.com/keithlinneman/signatory/internal/httpmw"
	"github.com/keithlinneman/signatory/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Routes mounts the API onto the router.
	Routes func(chi.Router)

	// Health and Readiness are also exposed on the API port so a load
	// balancer can reach them without the ops listener.
	Health    health.Probe
	Readiness health.Probe

	UseRecoverMW bool
	OnPanic      func()

	MetricsMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	// MaxBodyBytes caps request bodies; 0 means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}
