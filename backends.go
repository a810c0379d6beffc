package signatory

import (
	"crypto/rand"
	"io"

	"github.com/keithlinneman/signatory/ecdsa/nistp256"
	"github.com/keithlinneman/signatory/ecdsa/nistp384"
	"github.com/keithlinneman/signatory/ecdsa/secp256k1"
	"github.com/keithlinneman/signatory/ed25519"
	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

type backend struct {
	generate   pkcs8.Generator
	fromPKCS8  func(*pkcs8.Document) (signature.Signer, error)
	fromPublic func([]byte) (signature.Verifier, error)
}

// adapt lifts a constructor returning a concrete type to one returning
// an interface without leaking typed nils.
func adapt[D any, T any, I any](f func(D) (*T, error), conv func(*T) I) func(D) (I, error) {
	return func(d D) (I, error) {
		v, err := f(d)
		if err != nil {
			var zero I
			return zero, err
		}
		return conv(v), nil
	}
}

var backends = map[signature.Algorithm]backend{
	signature.EcdsaSecp256k1: {
		generate:   pkcs8.GeneratorFunc(secp256k1.GeneratePKCS8),
		fromPKCS8:  adapt(secp256k1.FromPKCS8, func(k *secp256k1.SigningKey) signature.Signer { return k }),
		fromPublic: adapt(secp256k1.FromSEC1, func(v *secp256k1.VerifyingKey) signature.Verifier { return v }),
	},
	signature.EcdsaP256: {
		generate:   pkcs8.GeneratorFunc(nistp256.GeneratePKCS8),
		fromPKCS8:  adapt(nistp256.FromPKCS8, func(k *nistp256.SigningKey) signature.Signer { return k }),
		fromPublic: adapt(nistp256.FromSEC1, func(v *nistp256.VerifyingKey) signature.Verifier { return v }),
	},
	signature.EcdsaP384: {
		generate:   pkcs8.GeneratorFunc(nistp384.GeneratePKCS8),
		fromPKCS8:  adapt(nistp384.FromPKCS8, func(k *nistp384.SigningKey) signature.Signer { return k }),
		fromPublic: adapt(nistp384.FromSEC1, func(v *nistp384.VerifyingKey) signature.Verifier { return v }),
	},
	signature.Ed25519: {
		generate:   pkcs8.GeneratorFunc(ed25519.GeneratePKCS8),
		fromPKCS8:  adapt(ed25519.FromPKCS8, func(k *ed25519.SigningKey) signature.Signer { return k }),
		fromPublic: adapt(ed25519.FromBytes, func(v *ed25519.VerifyingKey) signature.Verifier { return v }),
	},
}

func lookup(alg signature.Algorithm) (backend, error) {
	b, ok := backends[alg]
	if !ok {
		return backend{}, xerrors.Kindf(signature.ErrUnsupportedAlgorithm, "signatory: no backend for %q", alg)
	}
	return b, nil
}

// Generate creates a fresh key for alg. A nil rand uses crypto/rand.
func Generate(alg signature.Algorithm, rnd io.Reader) (*pkcs8.Document, error) {
	b, err := lookup(alg)
	if err != nil {
		return nil, err
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	return b.generate.GeneratePKCS8(rnd)
}

// SignerFromPKCS8 builds the backend signer for doc's algorithm.
func SignerFromPKCS8(doc *pkcs8.Document) (signature.Signer, error) {
	b, err := lookup(doc.Algorithm())
	if err != nil {
		return nil, err
	}
	return b.fromPKCS8(doc)
}

// VerifierFor parses an encoded public key: a SEC1 point for ECDSA or
// 32 raw bytes for Ed25519.
func VerifierFor(alg signature.Algorithm, publicKey []byte) (signature.Verifier, error) {
	b, err := lookup(alg)
	if err != nil {
		return nil, err
	}
	return b.fromPublic(publicKey)
}

// Verify checks a fixed-width signature over msg. Failures other than
// malformed input match ErrInvalidSignature.
func Verify(alg signature.Algorithm, publicKey, msg, sig []byte) error {
	v, err := VerifierFor(alg, publicKey)
	if err != nil {
		return err
	}
	return v.Verify(msg, sig)
}

// Algorithms lists the algorithms with a local backend.
func Algorithms() []signature.Algorithm { return signature.Algorithms() }
