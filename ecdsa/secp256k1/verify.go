package secp256k1

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	ecdsautil "github.com/keithlinneman/signatory/ecdsa"
	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/signature"
)

// VerifyingKey is a secp256k1 public key.
type VerifyingKey struct {
	key *secp256k1.PublicKey
}

var _ signature.Verifier = (*VerifyingKey)(nil)

// FromSEC1 accepts a compressed or uncompressed SEC1 point.
func FromSEC1(sec1 []byte) (*VerifyingKey, error) {
	if len(sec1) != CompressedPointSize && len(sec1) != UncompressedPointSize {
		return nil, xerrors.Kindf(signature.ErrKeyInvalid, "secp256k1: public key is %d bytes", len(sec1))
	}
	pub, err := secp256k1.ParsePubKey(sec1)
	if err != nil {
		return nil, xerrors.WithKind(xerrors.Wrap(err, "secp256k1: parse public key"), signature.ErrKeyInvalid)
	}
	return &VerifyingKey{key: pub}, nil
}

func (v *VerifyingKey) Compressed() []byte   { return v.key.SerializeCompressed() }
func (v *VerifyingKey) Uncompressed() []byte { return v.key.SerializeUncompressed() }

func (v *VerifyingKey) Equal(other *VerifyingKey) bool {
	return other != nil && v.key.IsEqual(other.key)
}

// Verify checks a 64 byte r||s signature over SHA-256(msg). High-S
// signatures are rejected.
func (v *VerifyingKey) Verify(msg, sig []byte) error {
	digest := sha256.Sum256(msg)
	return v.VerifyDigest(digest[:], sig)
}

// VerifyDigest is Verify over a precomputed digest.
func (v *VerifyingKey) VerifyDigest(digest, sig []byte) error {
	if len(sig) != SignatureSize {
		return xerrors.Kindf(signature.ErrInvalid, "secp256k1: signature is %d bytes, want %d", len(sig), SignatureSize)
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:ScalarSize]); overflow || r.IsZero() {
		return xerrors.Kindf(signature.ErrInvalid, "secp256k1: r out of range")
	}
	if overflow := s.SetByteSlice(sig[ScalarSize:]); overflow || s.IsZero() {
		return xerrors.Kindf(signature.ErrInvalid, "secp256k1: s out of range")
	}
	if s.IsOverHalfOrder() {
		return xerrors.Kindf(signature.ErrInvalid, "secp256k1: s is not normalized")
	}
	if !decdsa.NewSignature(&r, &s).Verify(digest, v.key) {
		return xerrors.WithKind(xerrors.New("secp256k1: verification failed"), signature.ErrInvalid)
	}
	return nil
}

// VerifyASN1 checks a DER encoded signature over SHA-256(msg).
func (v *VerifyingKey) VerifyASN1(msg, der []byte) error {
	fixed, err := ecdsautil.ASN1ToFixed(der, ScalarSize)
	if err != nil {
		return err
	}
	return v.Verify(msg, fixed)
}
