package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client address resolution.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the
	// daemon. 0 ignores X-Forwarded-For; 1 takes the rightmost entry.
	TrustedHops int
}

// ClientIP resolves the client address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved client address in the request
// context. Forwarded headers are only honoured when the peer is a
// private address, and are stripped otherwise.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func resolveClientIP(r *http.Request, hops int) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return "0.0.0.0"
	}
	peer = peer.Unmap()

	xff := r.Header.Get("X-Forwarded-For")
	trusted := peer.IsPrivate() || peer.IsLoopback()
	if hops <= 0 || !trusted || xff == "" {
		r.Header.Del("X-Forwarded-For")
		r.Header.Del("X-Forwarded-Proto")
		return peer.String()
	}

	parts := strings.Split(xff, ",")
	idx := len(parts) - hops
	if idx < 0 {
		// fewer hops than configured proxies
		r.Header.Del("X-Forwarded-For")
		r.Header.Del("X-Forwarded-Proto")
		return peer.String()
	}
	if c, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return c.Unmap().String()
	}
	return peer.String()
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
