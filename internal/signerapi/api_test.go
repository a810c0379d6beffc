package signerapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/signatory"
	"github.com/keithlinneman/signatory/internal/httpmw"
	"github.com/keithlinneman/signatory/internal/metrics"
	"github.com/keithlinneman/signatory/signature"
)

// test stubs

type observation struct {
	alg, result string
}

type recordingMetrics struct {
	mu     sync.Mutex
	sign   []observation
	verify []observation
}

func (m *recordingMetrics) ObserveSign(_ context.Context, alg, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sign = append(m.sign, observation{alg, result})
}

func (m *recordingMetrics) ObserveVerify(alg, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verify = append(m.verify, observation{alg, result})
}

func (m *recordingMetrics) lastSign(t *testing.T) observation {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sign) == 0 {
		t.Fatal("no sign observation recorded")
	}
	return m.sign[len(m.sign)-1]
}

func (m *recordingMetrics) lastVerify(t *testing.T) observation {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.verify) == 0 {
		t.Fatal("no verify observation recorded")
	}
	return m.verify[len(m.verify)-1]
}

// providerDown fails every signature the way a remote signer would.
type providerDown struct{ pub []byte }

func (p providerDown) Sign([]byte) ([]byte, error) {
	return nil, errors.Join(signature.ErrProvider, errors.New("kms: throttled"))
}
func (p providerDown) PublicKey() []byte              { return p.pub }
func (p providerDown) Algorithm() signature.Algorithm { return signature.Ed25519 }

func newRing(t *testing.T) *signatory.KeyRing {
	t.Helper()
	ring := signatory.NewKeyRing()
	for label, alg := range map[string]signature.Algorithm{
		"ed":   signature.Ed25519,
		"k1":   signature.EcdsaSecp256k1,
		"p256": signature.EcdsaP256,
	} {
		doc, err := signatory.Generate(alg, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ring.ImportPKCS8(label, doc); err != nil {
			t.Fatal(err)
		}
	}
	return ring
}

func newServer(t *testing.T, ring Ring) (http.Handler, *recordingMetrics) {
	t.Helper()
	m := &recordingMetrics{}
	api := NewAPI(ring, m, nil)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r, m
}

func do(t *testing.T, h http.Handler, method, url string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, url, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("parse JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return v
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// NewAPI

func TestNewAPI_Defaults(t *testing.T) {
	api := NewAPI(signatory.NewKeyRing(), nil, nil)
	if api.logger == nil || api.metrics == nil {
		t.Fatal("logger and metrics should default to no-ops")
	}
}

// keys

func TestListKeys(t *testing.T) {
	h, _ := newServer(t, newRing(t))
	rec := do(t, h, http.MethodGet, "/v1/keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("Content-Type = %q", ct)
	}
	resp := decode[KeysResponse](t, rec)
	if len(resp.Keys) != 3 {
		t.Fatalf("got %d keys", len(resp.Keys))
	}
	if resp.Keys[0].Label != "ed" || resp.Keys[1].Label != "k1" || resp.Keys[2].Label != "p256" {
		t.Fatalf("keys not sorted: %+v", resp.Keys)
	}
	if resp.Keys[0].Algorithm != "ed25519" || resp.Keys[0].Source != "pkcs8" {
		t.Fatalf("key 0 = %+v", resp.Keys[0])
	}
	if _, err := hex.DecodeString(resp.Keys[0].PublicKeyHex); err != nil || len(resp.Keys[0].PublicKeyHex) != 64 {
		t.Fatalf("public key hex %q", resp.Keys[0].PublicKeyHex)
	}
}

func TestListKeys_Empty(t *testing.T) {
	h, _ := newServer(t, signatory.NewKeyRing())
	rec := do(t, h, http.MethodGet, "/v1/keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"keys":[]`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestGetKey(t *testing.T) {
	ring := newRing(t)
	h, _ := newServer(t, ring)

	rec := do(t, h, http.MethodGet, "/v1/keys/k1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[KeyResponse](t, rec)
	info, _ := ring.Info("k1")
	if got.PublicKeyHex != hex.EncodeToString(info.PublicKey) {
		t.Fatal("public key mismatch")
	}
	// compressed secp256k1 point
	if len(got.PublicKeyHex) != 66 {
		t.Fatalf("public key hex length %d", len(got.PublicKeyHex))
	}
}

func TestGetKey_NotFound(t *testing.T) {
	h, _ := newServer(t, newRing(t))
	rec := do(t, h, http.MethodGet, "/v1/keys/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decode[errorResponse](t, rec); !strings.Contains(e.Error, "missing") {
		t.Fatalf("error = %q", e.Error)
	}
}

// sign

func TestSign_AllAlgorithmsVerify(t *testing.T) {
	ring := newRing(t)
	h, m := newServer(t, ring)

	for _, label := range []string{"ed", "k1", "p256"} {
		rec := do(t, h, http.MethodPost, "/v1/keys/"+label+"/sign", SignRequest{MessageB64: b64("hello " + label)})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d body=%s", label, rec.Code, rec.Body.String())
		}
		resp := decode[SignResponse](t, rec)
		info, _ := ring.Info(label)
		if resp.Algorithm != info.Algorithm.String() || resp.Label != label {
			t.Fatalf("%s: resp = %+v", label, resp)
		}
		sig, err := hex.DecodeString(resp.SignatureHex)
		if err != nil {
			t.Fatal(err)
		}
		if err := signatory.Verify(info.Algorithm, info.PublicKey, []byte("hello "+label), sig); err != nil {
			t.Fatalf("%s: signature does not verify: %v", label, err)
		}
		if o := m.lastSign(t); o.result != metrics.ResultOK || o.alg != info.Algorithm.String() {
			t.Fatalf("%s: observation %+v", label, o)
		}
	}
}

func TestSign_EmptyMessage(t *testing.T) {
	h, _ := newServer(t, newRing(t))
	rec := do(t, h, http.MethodPost, "/v1/keys/ed/sign", SignRequest{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSign_UnknownLabel(t *testing.T) {
	h, m := newServer(t, newRing(t))
	rec := do(t, h, http.MethodPost, "/v1/keys/nope/sign", SignRequest{MessageB64: b64("x")})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if o := m.lastSign(t); o.result != metrics.ResultNotFound {
		t.Fatalf("observation %+v", o)
	}
}

func TestSign_BadInput(t *testing.T) {
	h, m := newServer(t, newRing(t))
	cases := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"message_b64":`, http.StatusBadRequest},
		{"unknown field", `{"message":"aGk="}`, http.StatusBadRequest},
		{"bad base64", SignRequest{MessageB64: "***"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/keys/ed/sign", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if e := decode[errorResponse](t, rec); e.Error == "" {
				t.Fatal("empty error message")
			}
			if o := m.lastSign(t); o.result != metrics.ResultInvalid {
				t.Fatalf("observation %+v", o)
			}
		})
	}
}

func TestSign_WrongContentType(t *testing.T) {
	h, _ := newServer(t, newRing(t))
	req := httptest.NewRequest(http.MethodPost, "/v1/keys/ed/sign", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSign_BodyTooLarge(t *testing.T) {
	ring := newRing(t)
	api := NewAPI(ring, nil, nil)
	r := chi.NewRouter()
	r.Use(httpmw.MaxBody(64))
	api.RegisterRoutes(r)

	// chunked, so the limit is hit while decoding
	body := `{"message_b64":"` + strings.Repeat("A", 200) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/keys/ed/sign", strings.NewReader(body))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSign_ProviderFailure(t *testing.T) {
	ring := signatory.NewKeyRing()
	if _, err := ring.Add("remote", providerDown{pub: make([]byte, 32)}); err != nil {
		t.Fatal(err)
	}
	h, m := newServer(t, ring)

	rec := do(t, h, http.MethodPost, "/v1/keys/remote/sign", SignRequest{MessageB64: b64("x")})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	// upstream detail is not echoed to the client
	if e := decode[errorResponse](t, rec); strings.Contains(e.Error, "throttled") {
		t.Fatalf("error leaks provider detail: %q", e.Error)
	}
	if o := m.lastSign(t); o.result != metrics.ResultError {
		t.Fatalf("observation %+v", o)
	}
}

func TestSign_RateLimitedOnlyOnSignRoute(t *testing.T) {
	api := NewAPI(newRing(t), nil, nil)
	api.SignLimit = func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	if rec := do(t, r, http.MethodPost, "/v1/keys/ed/sign", SignRequest{}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("sign status = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/v1/keys", nil); rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
}

// verify

func signed(t *testing.T, ring *signatory.KeyRing, label, msg string) VerifyRequest {
	t.Helper()
	sig, info, err := ring.Sign(t.Context(), label, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	return VerifyRequest{
		Algorithm:    info.Algorithm.String(),
		PublicKeyHex: hex.EncodeToString(info.PublicKey),
		MessageB64:   b64(msg),
		SignatureHex: hex.EncodeToString(sig),
	}
}

func TestVerify_Valid(t *testing.T) {
	ring := newRing(t)
	h, m := newServer(t, ring)

	for _, label := range []string{"ed", "k1", "p256"} {
		rec := do(t, h, http.MethodPost, "/v1/verify", signed(t, ring, label, "payload"))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d body=%s", label, rec.Code, rec.Body.String())
		}
		if !decode[VerifyResponse](t, rec).Valid {
			t.Fatalf("%s: valid = false", label)
		}
		if o := m.lastVerify(t); o.result != metrics.ResultOK {
			t.Fatalf("%s: observation %+v", label, o)
		}
	}
}

func TestVerify_AlgorithmAlias(t *testing.T) {
	ring := newRing(t)
	h, _ := newServer(t, ring)
	req := signed(t, ring, "p256", "payload")
	req.Algorithm = "ES256"
	if rec := do(t, h, http.MethodPost, "/v1/verify", req); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestVerify_WrongMessage(t *testing.T) {
	ring := newRing(t)
	h, m := newServer(t, ring)

	req := signed(t, ring, "ed", "payload")
	req.MessageB64 = b64("tampered")
	rec := do(t, h, http.MethodPost, "/v1/verify", req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[VerifyResponse](t, rec)
	if resp.Valid || resp.Error == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if o := m.lastVerify(t); o.result != metrics.ResultInvalid {
		t.Fatalf("observation %+v", o)
	}
}

func TestVerify_BadInput(t *testing.T) {
	ring := newRing(t)
	h, _ := newServer(t, ring)
	good := signed(t, ring, "ed", "payload")

	cases := []struct {
		name   string
		mutate func(*VerifyRequest)
	}{
		{"unknown algorithm", func(r *VerifyRequest) { r.Algorithm = "rsa" }},
		{"bad public key hex", func(r *VerifyRequest) { r.PublicKeyHex = "zz" }},
		{"bad signature hex", func(r *VerifyRequest) { r.SignatureHex = "zz" }},
		{"bad message base64", func(r *VerifyRequest) { r.MessageB64 = "!!" }},
		{"short public key", func(r *VerifyRequest) { r.PublicKeyHex = "abcd" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := good
			tc.mutate(&req)
			rec := do(t, h, http.MethodPost, "/v1/verify", req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
		})
	}
}

// statusFor

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{signatory.ErrKeyNotFound, http.StatusNotFound},
		{signatory.ErrInvalidSignature, http.StatusUnprocessableEntity},
		{signatory.ErrKeyInvalid, http.StatusBadRequest},
		{signatory.ErrUnsupportedAlgorithm, http.StatusBadRequest},
		{signatory.ErrProvider, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
