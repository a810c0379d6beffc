// Package ed25519 signs with PureEdDSA over edwards25519 using the
// standard library implementation.
package ed25519

import (
	"crypto"
	"crypto/ed25519"
	"crypto/subtle"
	"crypto/x509"
	"io"

	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

const (
	Algorithm = signature.Ed25519

	SeedSize      = ed25519.SeedSize
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
)

// Seed is the 32 byte secret from which the key pair is derived.
type Seed [SeedSize]byte

// Signature is a detached Ed25519 signature.
type Signature [SignatureSize]byte

// SigningKey is an Ed25519 private key.
type SigningKey struct {
	key ed25519.PrivateKey
	pub *VerifyingKey
}

var _ signature.Signer = (*SigningKey)(nil)

// FromSeed derives the key pair from seed. The seed is copied.
func FromSeed(seed *Seed) *SigningKey {
	key := ed25519.NewKeyFromSeed(seed[:])
	return &SigningKey{key: key, pub: &VerifyingKey{key: key.Public().(ed25519.PublicKey)}}
}

func Generate(rand io.Reader) (*SigningKey, error) {
	var seed Seed
	defer clear(seed[:])
	if _, err := io.ReadFull(rand, seed[:]); err != nil {
		return nil, xerrors.Wrap(err, "ed25519: read entropy")
	}
	return FromSeed(&seed), nil
}

// FromPKCS8 parses an RFC 8410 PrivateKeyInfo.
func FromPKCS8(doc *pkcs8.Document) (*SigningKey, error) {
	if doc.Algorithm() != Algorithm {
		return nil, xerrors.Kindf(signature.ErrUnsupportedAlgorithm, "ed25519: document holds %s", doc.Algorithm())
	}
	parsed, err := x509.ParsePKCS8PrivateKey(doc.DER())
	if err != nil {
		return nil, xerrors.WithKind(xerrors.Wrap(err, "ed25519: parse pkcs8"), pkcs8.ErrDecode)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, xerrors.Kindf(signature.ErrUnsupportedAlgorithm, "ed25519: document holds %T", parsed)
	}
	pub := key.Public().(ed25519.PublicKey)
	if embedded := doc.PublicKey(); embedded != nil && subtle.ConstantTimeCompare(embedded, pub) != 1 {
		clear(key)
		return nil, xerrors.Kindf(signature.ErrKeyInvalid, "ed25519: embedded public key does not match the seed")
	}
	return &SigningKey{key: key, pub: &VerifyingKey{key: pub}}, nil
}

func GeneratePKCS8(rand io.Reader) (*pkcs8.Document, error) {
	k, err := Generate(rand)
	if err != nil {
		return nil, err
	}
	defer k.Zeroize()
	return k.ToPKCS8()
}

func (k *SigningKey) ToPKCS8() (*pkcs8.Document, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.key)
	if err != nil {
		return nil, xerrors.Wrap(err, "ed25519: marshal pkcs8")
	}
	defer clear(der)
	return pkcs8.FromDER(der)
}

func (k *SigningKey) Algorithm() signature.Algorithm { return Algorithm }
func (k *SigningKey) VerifyingKey() *VerifyingKey    { return k.pub }
func (k *SigningKey) PublicKey() []byte              { return k.pub.Bytes() }

// Seed returns a copy of the private seed.
func (k *SigningKey) Seed() Seed {
	var s Seed
	copy(s[:], k.key.Seed())
	return s
}

// Sign returns a 64 byte signature over msg. Ed25519 hashes internally
// so msg is not pre-hashed.
func (k *SigningKey) Sign(msg []byte) ([]byte, error) {
	sig, err := k.key.Sign(nil, msg, crypto.Hash(0))
	if err != nil {
		return nil, xerrors.Wrap(err, "ed25519: sign")
	}
	return sig, nil
}

// SignDetached is Sign returning the fixed array type.
func (k *SigningKey) SignDetached(msg []byte) Signature {
	var out Signature
	copy(out[:], ed25519.Sign(k.key, msg))
	return out
}

func (k *SigningKey) Equal(other *SigningKey) bool {
	return other != nil && subtle.ConstantTimeCompare(k.key, other.key) == 1
}

// Zeroize clears the seed and cached public half.
func (k *SigningKey) Zeroize() { clear(k.key) }

// VerifyingKey is an Ed25519 public key.
type VerifyingKey struct {
	key ed25519.PublicKey
}

var _ signature.Verifier = (*VerifyingKey)(nil)

// FromBytes parses a 32 byte public key.
func FromBytes(b []byte) (*VerifyingKey, error) {
	if len(b) != PublicKeySize {
		return nil, xerrors.Kindf(signature.ErrKeyInvalid, "ed25519: public key is %d bytes, want %d", len(b), PublicKeySize)
	}
	key := make(ed25519.PublicKey, PublicKeySize)
	copy(key, b)
	return &VerifyingKey{key: key}, nil
}

func (v *VerifyingKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, v.key)
	return out
}

func (v *VerifyingKey) Equal(other *VerifyingKey) bool {
	return other != nil && v.key.Equal(other.key)
}

func (v *VerifyingKey) Verify(msg, sig []byte) error {
	if len(sig) != SignatureSize {
		return xerrors.Kindf(signature.ErrInvalid, "ed25519: signature is %d bytes, want %d", len(sig), SignatureSize)
	}
	if !ed25519.Verify(v.key, msg, sig) {
		return xerrors.WithKind(xerrors.New("ed25519: verification failed"), signature.ErrInvalid)
	}
	return nil
}
