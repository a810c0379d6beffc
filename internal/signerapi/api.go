// Package signerapi serves the key ring over HTTP: listing keys, signing
// with a named key and verifying detached signatures.
package signerapi

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/signatory"
	"github.com/keithlinneman/signatory/internal/httpmw"
	"github.com/keithlinneman/signatory/internal/log"
	"github.com/keithlinneman/signatory/internal/metrics"
	"github.com/keithlinneman/signatory/internal/otelx"
	"github.com/keithlinneman/signatory/signature"
)

// Ring is the read and sign side of *signatory.KeyRing.
type Ring interface {
	Keys() []signatory.KeyInfo
	Info(label string) (signatory.KeyInfo, error)
	Sign(ctx context.Context, label string, msg []byte) ([]byte, signatory.KeyInfo, error)
}

// Metrics is implemented by *metrics.ServerMetrics.
type Metrics interface {
	ObserveSign(ctx context.Context, algorithm, result string, d time.Duration)
	ObserveVerify(algorithm, result string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSign(context.Context, string, string, time.Duration) {}
func (nopMetrics) ObserveVerify(string, string)                               {}

// API implements the /v1 endpoints.
type API struct {
	ring    Ring
	metrics Metrics
	logger  log.Logger

	// SignLimit, when set, wraps only the sign route.
	SignLimit func(http.Handler) http.Handler
}

func NewAPI(ring Ring, m Metrics, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &API{ring: ring, metrics: m, logger: logger}
}

// RegisterRoutes attaches the API to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.With(httpmw.Scope("keys.list")).Get("/keys", api.HandleListKeys)
		r.With(httpmw.Scope("keys.get")).Get("/keys/{label}", api.HandleGetKey)

		sign := r.With(httpmw.Scope("keys.sign"))
		if api.SignLimit != nil {
			sign = sign.With(api.SignLimit)
		}
		sign.Post("/keys/{label}/sign", api.HandleSign)

		r.With(httpmw.Scope("verify")).Post("/verify", api.HandleVerify)
	})
}

func (api *API) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	keys := api.ring.Keys()
	resp := KeysResponse{Keys: make([]KeyResponse, len(keys))}
	for i, k := range keys {
		resp.Keys[i] = keyResponse(k)
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) HandleGetKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := api.ring.Info(chi.URLParam(r, "label"))
	if err != nil {
		api.writeError(ctx, w, statusFor(err), err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, keyResponse(info))
}

// HandleSign signs the decoded message with the key named in the path.
func (api *API) HandleSign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	label := chi.URLParam(r, "label")

	info, err := api.ring.Info(label)
	if err != nil {
		api.metrics.ObserveSign(ctx, "unknown", metrics.ResultNotFound, 0)
		api.writeError(ctx, w, statusFor(err), err)
		return
	}
	alg := info.Algorithm.String()

	var req SignRequest
	if status, err := decodeJSON(r, &req); err != nil {
		api.metrics.ObserveSign(ctx, alg, metrics.ResultInvalid, 0)
		api.writeError(ctx, w, status, err)
		return
	}
	msg, err := base64.StdEncoding.DecodeString(req.MessageB64)
	if err != nil {
		api.metrics.ObserveSign(ctx, alg, metrics.ResultInvalid, 0)
		api.writeError(ctx, w, http.StatusBadRequest, errors.New("message_b64 is not valid base64"))
		return
	}

	start := time.Now()
	sctx, span := otelx.StartSign(ctx, label, alg)
	sig, info, err := api.ring.Sign(sctx, label, msg)
	otelx.EndWithError(span, err)

	if err != nil {
		result := metrics.ResultError
		if errors.Is(err, signatory.ErrKeyNotFound) {
			// removed between lookup and sign
			result = metrics.ResultNotFound
		}
		api.metrics.ObserveSign(ctx, alg, result, time.Since(start))
		status := statusFor(err)
		if status >= 500 {
			log.FromContext(ctx).Error(ctx, err, "sign failed", "label", label, "algorithm", alg)
		}
		api.writeError(ctx, w, status, err)
		return
	}
	api.metrics.ObserveSign(ctx, alg, metrics.ResultOK, time.Since(start))

	log.FromContext(ctx).Debug(ctx, "signed message",
		"label", label,
		"algorithm", alg,
		"message_bytes", len(msg),
	)
	api.writeJSON(ctx, w, http.StatusOK, SignResponse{
		Label:        info.Label,
		Algorithm:    alg,
		SignatureHex: hex.EncodeToString(sig),
		PublicKeyHex: hex.EncodeToString(info.PublicKey),
	})
}

// HandleVerify checks a detached signature. A well-formed request whose
// signature does not verify gets 422.
func (api *API) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyRequest
	if status, err := decodeJSON(r, &req); err != nil {
		api.writeError(ctx, w, status, err)
		return
	}
	alg, err := signature.ParseAlgorithm(req.Algorithm)
	if err != nil {
		api.metrics.ObserveVerify("unknown", metrics.ResultInvalid)
		api.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	pub, err := hex.DecodeString(req.PublicKeyHex)
	if err != nil {
		api.metrics.ObserveVerify(alg.String(), metrics.ResultInvalid)
		api.writeError(ctx, w, http.StatusBadRequest, errors.New("public_key_hex is not valid hex"))
		return
	}
	sig, err := hex.DecodeString(req.SignatureHex)
	if err != nil {
		api.metrics.ObserveVerify(alg.String(), metrics.ResultInvalid)
		api.writeError(ctx, w, http.StatusBadRequest, errors.New("signature_hex is not valid hex"))
		return
	}
	msg, err := base64.StdEncoding.DecodeString(req.MessageB64)
	if err != nil {
		api.metrics.ObserveVerify(alg.String(), metrics.ResultInvalid)
		api.writeError(ctx, w, http.StatusBadRequest, errors.New("message_b64 is not valid base64"))
		return
	}

	if err := signatory.Verify(alg, pub, msg, sig); err != nil {
		status := statusFor(err)
		result := metrics.ResultInvalid
		if status >= 500 {
			result = metrics.ResultError
		}
		api.metrics.ObserveVerify(alg.String(), result)
		if status == http.StatusUnprocessableEntity {
			api.writeJSON(ctx, w, status, VerifyResponse{Valid: false, Error: err.Error()})
			return
		}
		api.writeError(ctx, w, status, err)
		return
	}
	api.metrics.ObserveVerify(alg.String(), metrics.ResultOK)
	api.writeJSON(ctx, w, http.StatusOK, VerifyResponse{Valid: true})
}

// statusFor maps library errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, signatory.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, signatory.ErrInvalidSignature):
		return http.StatusUnprocessableEntity
	case errors.Is(err, signatory.ErrUnsupportedAlgorithm),
		errors.Is(err, signatory.ErrKeyInvalid),
		errors.Is(err, signatory.ErrInvalidLabel):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, signatory.ErrProvider):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) (int, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return http.StatusUnsupportedMediaType, errors.New("content type must be application/json")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return http.StatusRequestEntityTooLarge, errors.New("request body too large")
		}
		return http.StatusBadRequest, errors.New("malformed JSON body")
	}
	return 0, nil
}

// writeError sends {"error": ...}. Server-side failures are reported
// without the underlying detail.
func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = http.StatusText(status)
	}
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
