package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/keithlinneman/signatory"
	"github.com/keithlinneman/signatory/internal/cfg"
	"github.com/keithlinneman/signatory/internal/health"
	"github.com/keithlinneman/signatory/internal/httpmw"
	"github.com/keithlinneman/signatory/internal/httpserver"
	"github.com/keithlinneman/signatory/internal/keysync"
	"github.com/keithlinneman/signatory/internal/log"
	"github.com/keithlinneman/signatory/internal/metrics"
	"github.com/keithlinneman/signatory/internal/opshttp"
	"github.com/keithlinneman/signatory/internal/otelx"
	"github.com/keithlinneman/signatory/internal/prof"
	"github.com/keithlinneman/signatory/internal/ratelimit"
	"github.com/keithlinneman/signatory/internal/signerapi"
	v "github.com/keithlinneman/signatory/internal/version"
	"github.com/keithlinneman/signatory/keystore"
	"github.com/keithlinneman/signatory/keystore/s3keystore"
	"github.com/keithlinneman/signatory/keystore/ssmkeystore"
	"github.com/keithlinneman/signatory/providers/awskms"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "signatoryd")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing signatoryd",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"keystore", conf.KeyStore,
		"sync_interval", conf.SyncInterval.String(),
		"min_keys", conf.MinKeys,
		"rate_limit", conf.RateLimit,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "signatoryd",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "signatoryd",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "signatoryd", &vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	kmsKeys, _ := cfg.ParseKMSKeys(conf.KMSKeys)

	// AWS config is only loaded when a backend needs it
	var awsCfg *aws.Config
	if conf.KeyStore == cfg.BackendS3 || conf.KeyStore == cfg.BackendSSM || len(kmsKeys) > 0 {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		awsCfg = &c
	}

	ring := signatory.NewKeyRing()

	store, err := openKeyStore(ctx, conf, awsCfg)
	if err != nil {
		L.Error(ctx, err, "failed to open key store", "keystore", conf.KeyStore)
		os.Exit(1)
	}

	var syncer *keysync.Syncer
	if store != nil {
		syncer = keysync.New(keysync.Options{
			Logger:       L,
			Ring:         ring,
			Store:        store,
			PollInterval: conf.SyncInterval,
			Metrics:      m,
			OnChange:     func(signatory.SyncResult) { setKeysLoaded(m, ring) },
		})

		imported, err := ring.LoadKeyStore(ctx, store)
		if !errors.Is(err, signatory.ErrListKeyStore) {
			syncer.MarkSynced(time.Now())
		}
		if err != nil {
			// the syncer retries on its next poll; readiness holds until min-keys is met
			L.Error(ctx, err, "initial key store load incomplete", "imported", len(imported))
		}
		L.Info(ctx, "loaded keys from key store", "keystore", conf.KeyStore, "count", len(imported))
	}

	if len(kmsKeys) > 0 {
		if err := addKMSKeys(ctx, ring, awsCfg, kmsKeys, conf.KMSTimeout); err != nil {
			L.Error(ctx, err, "failed to load KMS keys")
			os.Exit(1)
		}
		L.Info(ctx, "loaded KMS keys", "count", len(kmsKeys))
	}
	setKeysLoaded(m, ring)

	if syncer != nil && conf.SyncInterval > 0 {
		go func() { _ = syncer.Run(ctx) }()
	}

	var gate health.ShutdownGate
	checks := []health.Probe{
		gate.Probe(),
		health.MinKeys(ring.Len, conf.MinKeys),
	}
	if syncer != nil && conf.SyncInterval > 0 {
		checks = append(checks, health.Fresh("key store sync", syncer.LastSuccess, 10*conf.SyncInterval))
	}
	readiness := health.All(checks...)

	var rateLimitMW func(next http.Handler) http.Handler
	if conf.RateLimit > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimit, conf.RateBurst),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// logged once per client until it is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	api := signerapi.NewAPI(ring, m, L)
	api.SignLimit = rateLimitMW

	apiStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Routes:       api.RegisterRoutes,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start API listener")
		os.Exit(1)
	}
	defer func() { _ = apiStop(context.Background()) }()

	// ops listener is expected to sit behind a security group that only
	// admits monitoring
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	L.Info(bg, "readiness failing, draining", "drain_period", conf.DrainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := apiStop(shutdownCtx); err != nil {
		L.Error(bg, err, "API server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// openKeyStore returns nil for BackendNone.
func openKeyStore(ctx context.Context, conf cfg.App, awsCfg *aws.Config) (keystore.KeyStore, error) {
	var (
		ks  keystore.KeyStore
		err error
	)
	switch conf.KeyStore {
	case cfg.BackendFS:
		ks, err = keystore.Open(conf.KeyDir)
	case cfg.BackendS3:
		ks, err = s3keystore.New(ctx, s3keystore.Options{
			Bucket:    conf.S3Bucket,
			Prefix:    conf.S3Prefix,
			KMSKeyID:  conf.S3KMSKeyID,
			AWSConfig: awsCfg,
		})
	case cfg.BackendSSM:
		ks, err = ssmkeystore.New(ctx, ssmkeystore.Options{
			Path:      conf.SSMPath,
			KMSKeyID:  conf.SSMKMSKeyID,
			AWSConfig: awsCfg,
		})
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ks, nil
}

func addKMSKeys(ctx context.Context, ring *signatory.KeyRing, awsCfg *aws.Config, keys []cfg.KMSKey, timeout time.Duration) error {
	sess := awskms.NewSession(kms.NewFromConfig(*awsCfg), timeout)
	for _, k := range keys {
		s, err := sess.Signer(ctx, k.KeyID)
		if err != nil {
			return fmt.Errorf("kms key %q: %w", k.Label, err)
		}
		if _, err := ring.Add(k.Label, s); err != nil {
			return err
		}
	}
	return nil
}

func setKeysLoaded(m *metrics.ServerMetrics, ring *signatory.KeyRing) {
	bySource := map[string]int{}
	for _, k := range ring.Keys() {
		bySource[string(k.Source)]++
	}
	m.SetKeysLoaded(bySource)
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return conn.Close()
}
