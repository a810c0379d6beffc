// Package prof starts continuous profiling with Pyroscope.
package prof

import (
	"context"
	"net/url"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/signatory/internal/log"
	"github.com/keithlinneman/signatory/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// 0 leaves the runtime defaults alone
	MutexProfileFraction int
	BlockProfileRate     int
}

// Start begins profiling. The returned stop func is always non-nil and
// safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Debug(ctx, "pyroscope disabled")
		return noop, nil
	}
	if u, err := url.Parse(opts.ServerAddress); err != nil || u.Scheme == "" || u.Host == "" {
		return noop, xerrors.Newf("pyroscope: invalid server address %q", opts.ServerAddress)
	}

	if opts.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexProfileFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	})
	if err != nil {
		return noop, xerrors.Wrap(err, "pyroscope: start")
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		profiler.Stop()
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}
