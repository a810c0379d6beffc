package signerapi

import (
	"encoding/hex"
	"time"

	"github.com/keithlinneman/signatory"
)

type KeyResponse struct {
	Label        string    `json:"label"`
	Algorithm    string    `json:"algorithm"`
	PublicKeyHex string    `json:"public_key_hex"`
	Source       string    `json:"source"`
	AddedAt      time.Time `json:"added_at"`
}

type KeysResponse struct {
	Keys []KeyResponse `json:"keys"`
}

type SignRequest struct {
	MessageB64 string `json:"message_b64"`
}

type SignResponse struct {
	Label        string `json:"label"`
	Algorithm    string `json:"algorithm"`
	SignatureHex string `json:"signature_hex"`
	PublicKeyHex string `json:"public_key_hex"`
}

// VerifyRequest carries everything needed to check a signature; no key
// from the ring is involved.
type VerifyRequest struct {
	Algorithm    string `json:"algorithm"`
	PublicKeyHex string `json:"public_key_hex"`
	MessageB64   string `json:"message_b64"`
	SignatureHex string `json:"signature_hex"`
}

type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func keyResponse(k signatory.KeyInfo) KeyResponse {
	return KeyResponse{
		Label:        k.Label,
		Algorithm:    k.Algorithm.String(),
		PublicKeyHex: hex.EncodeToString(k.PublicKey),
		Source:       string(k.Source),
		AddedAt:      k.AddedAt.UTC().Truncate(time.Second),
	}
}
