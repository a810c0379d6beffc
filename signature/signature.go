// Package signature defines the algorithm identifiers, signer and
// verifier contracts, and error kinds shared by every signing backend.
package signature

import (
	"context"
	"errors"
	"strings"
)

// Error kinds. Backends tag their errors with one of these so callers
// can branch with errors.Is regardless of which curve produced them.
var (
	// ErrInvalid reports a signature that failed to verify or could not
	// be decoded.
	ErrInvalid = errors.New("signature: invalid signature")

	// ErrUnsupportedAlgorithm reports an algorithm this build cannot use.
	ErrUnsupportedAlgorithm = errors.New("signature: unsupported algorithm")

	// ErrKeyInvalid reports malformed or out-of-range key material.
	ErrKeyInvalid = errors.New("signature: invalid key material")

	// ErrProvider reports a failure inside an external signing provider.
	ErrProvider = errors.New("signature: provider error")
)

// Algorithm names a signature scheme together with its curve and digest.
type Algorithm string

const (
	// Ed25519 is PureEdDSA over edwards25519 (RFC 8032).
	Ed25519 Algorithm = "ed25519"
	// EcdsaSecp256k1 is ECDSA over secp256k1 with SHA-256.
	EcdsaSecp256k1 Algorithm = "ecdsa-secp256k1"
	// EcdsaP256 is ECDSA over NIST P-256 with SHA-256.
	EcdsaP256 Algorithm = "ecdsa-p256"
	// EcdsaP384 is ECDSA over NIST P-384 with SHA-384.
	EcdsaP384 Algorithm = "ecdsa-p384"
)

var all = []Algorithm{Ed25519, EcdsaSecp256k1, EcdsaP256, EcdsaP384}

// Algorithms returns every known algorithm in a stable order.
func Algorithms() []Algorithm {
	out := make([]Algorithm, len(all))
	copy(out, all)
	return out
}

func (a Algorithm) String() string { return string(a) }

// Valid reports whether a is one of the known algorithms.
func (a Algorithm) Valid() bool {
	for _, k := range all {
		if a == k {
			return true
		}
	}
	return false
}

// IsECDSA reports whether a is one of the ECDSA variants.
func (a Algorithm) IsECDSA() bool {
	return a == EcdsaSecp256k1 || a == EcdsaP256 || a == EcdsaP384
}

// FixedSize is the length of a fixed-width signature for a, or 0.
func (a Algorithm) FixedSize() int {
	switch a {
	case Ed25519, EcdsaSecp256k1, EcdsaP256:
		return 64
	case EcdsaP384:
		return 96
	}
	return 0
}

// ParseAlgorithm accepts the canonical names plus a few common aliases.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ed25519", "eddsa":
		return Ed25519, nil
	case "ecdsa-secp256k1", "secp256k1", "es256k":
		return EcdsaSecp256k1, nil
	case "ecdsa-p256", "p256", "p-256", "nistp256", "es256":
		return EcdsaP256, nil
	case "ecdsa-p384", "p384", "p-384", "nistp384", "es384":
		return EcdsaP384, nil
	}
	return "", &AlgorithmError{Name: s}
}

// AlgorithmError reports an algorithm name that could not be parsed.
type AlgorithmError struct {
	Name string
}

func (e *AlgorithmError) Error() string {
	return "signature: unsupported algorithm " + `"` + e.Name + `"`
}

func (e *AlgorithmError) Is(target error) bool { return target == ErrUnsupportedAlgorithm }

// Signer produces signatures over arbitrary messages. Implementations
// hash the message themselves with the digest bound to their algorithm.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() []byte
	Algorithm() Algorithm
}

// ContextSigner is implemented by signers that make network calls.
type ContextSigner interface {
	Signer
	SignContext(ctx context.Context, msg []byte) ([]byte, error)
}

// Verifier checks signatures produced by the matching Signer.
// A nil return means the signature is valid.
type Verifier interface {
	Verify(msg, sig []byte) error
}

// SignWithContext uses SignContext when s supports it.
func SignWithContext(ctx context.Context, s Signer, msg []byte) ([]byte, error) {
	if cs, ok := s.(ContextSigner); ok {
		return cs.SignContext(ctx, msg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Sign(msg)
}
