// Package cfg holds the signatoryd configuration: flags registered on a
// FlagSet, filled from SIGNATORY_* environment variables, then validated.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/signatory/internal/log"
	"github.com/keithlinneman/signatory/keystore"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "SIGNATORY_"

// Key store backends.
const (
	BackendNone = "none"
	BackendFS   = "fs"
	BackendS3   = "s3"
	BackendSSM  = "ssm"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int
	RateLimit   float64
	RateBurst   int
	DrainPeriod time.Duration

	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	KeyStore     string
	KeyDir       string
	S3Bucket     string
	S3Prefix     string
	S3KMSKeyID   string
	SSMPath      string
	SSMKMSKeyID  string
	KMSKeys      string // label=key-id,label=key-id
	KMSTimeout   time.Duration
	SyncInterval time.Duration
	MinKeys      int
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "minimum level that carries a stack trace")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "log one entry per error wrap site")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 8, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "signing API TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "metrics/health/pprof TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the API whose X-Forwarded-For is trusted")
	fs.Float64Var(&c.RateLimit, "rate-limit", 20, "sign requests per second per client (0 disables)")
	fs.IntVar(&c.RateBurst, "rate-burst", 40, "sign request burst per client")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 15*time.Second, "time between failing readiness and stopping listeners on shutdown")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "serve pprof on the admin port")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "plaintext gRPC to the collector")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.1, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server URL")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (X-Scope-OrgID)")

	fs.StringVar(&c.KeyStore, "keystore", BackendFS, "key store backend: none|fs|s3|ssm")
	fs.StringVar(&c.KeyDir, "key-dir", "/var/lib/signatory/keys", "directory for the fs key store")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "bucket for the s3 key store")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "signatory/keys", "object prefix for the s3 key store")
	fs.StringVar(&c.S3KMSKeyID, "s3-kms-key-id", "", "SSE-KMS key for objects written to the s3 key store")
	fs.StringVar(&c.SSMPath, "ssm-path", "/signatory/keys", "parameter path for the ssm key store")
	fs.StringVar(&c.SSMKMSKeyID, "ssm-kms-key-id", "", "KMS key for SecureString parameters")
	fs.StringVar(&c.KMSKeys, "kms-keys", "", "AWS KMS signing keys as label=key-id pairs, comma separated")
	fs.DurationVar(&c.KMSTimeout, "kms-timeout", 5*time.Second, "timeout for each KMS call")
	fs.DurationVar(&c.SyncInterval, "sync-interval", time.Minute, "key store poll interval (0 disables)")
	fs.IntVar(&c.MinKeys, "min-keys", 1, "keys required before reporting ready")
}

// FillFromEnv sets any flag not given on the command line from the
// environment. Flag "foo-bar" maps to PREFIX_FOO_BAR. Precedence is
// flag, then env, then default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		val, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: command line value overrides %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

// KMSKey is one entry of the kms-keys list.
type KMSKey struct {
	Label string
	KeyID string
}

// ParseKMSKeys splits "label=key-id,label=key-id". Labels must be valid
// key store labels and unique.
func ParseKMSKeys(s string) ([]KMSKey, error) {
	var (
		out  []KMSKey
		seen = map[string]bool{}
	)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, id, ok := strings.Cut(part, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("kms key %q: want label=key-id", part)
		}
		if _, err := keystore.ParseLabel(label); err != nil {
			return nil, fmt.Errorf("kms key %q: %w", part, err)
		}
		if seen[label] {
			return nil, fmt.Errorf("kms key label %q repeated", label)
		}
		seen[label] = true
		out = append(out, KMSKey{Label: label, KeyID: id})
	}
	return out, nil
}

// Validate reports every invalid field at once.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 {
		add("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}
	if c.RateLimit < 0 {
		add("RATE_LIMIT must be >= 0 (got %g)", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		add("RATE_BURST must be >= 1 when RATE_LIMIT is set (got %d)", c.RateBurst)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("invalid LOG_LEVEL: %w", err)
	}
	if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
		add("invalid STACKTRACE_LEVEL: %w", err)
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q)", c.OTLPEndpoint)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
	}

	switch c.KeyStore {
	case BackendNone:
	case BackendFS:
		if c.KeyDir == "" {
			add("KEY_DIR is required for the fs key store")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			add("S3_BUCKET is required for the s3 key store")
		}
	case BackendSSM:
		if !strings.HasPrefix(c.SSMPath, "/") {
			add("SSM_PATH must start with / (got %q)", c.SSMPath)
		}
	default:
		add("invalid KEYSTORE %q (want none|fs|s3|ssm)", c.KeyStore)
	}

	kms, err := ParseKMSKeys(c.KMSKeys)
	if err != nil {
		add("invalid KMS_KEYS: %w", err)
	}
	if len(kms) > 0 && c.KMSTimeout <= 0 {
		add("KMS_TIMEOUT must be positive")
	}
	if c.KeyStore == BackendNone && len(kms) == 0 && c.MinKeys > 0 {
		add("no key source configured: set KEYSTORE or KMS_KEYS, or MIN_KEYS=0")
	}
	if c.DrainPeriod < 0 {
		add("DRAIN_PERIOD must be >= 0")
	}
	if c.SyncInterval < 0 {
		add("SYNC_INTERVAL must be >= 0")
	}
	if c.MinKeys < 0 {
		add("MIN_KEYS must be >= 0")
	}

	return errors.Join(errs...)
}
