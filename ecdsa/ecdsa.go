// Package ecdsa holds the encoding rules every ECDSA backend shares:
// fixed-width r||s and ASN.1 DER signatures, and low-S normalisation.
// The curve specific signers live in the subpackages.
package ecdsa

import (
	"crypto/elliptic"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/signature"
)

// Order returns the group order n for an ECDSA algorithm.
func Order(alg signature.Algorithm) (*big.Int, bool) {
	switch alg {
	case signature.EcdsaSecp256k1:
		return secp256k1.S256().Params().N, true
	case signature.EcdsaP256:
		return elliptic.P256().Params().N, true
	case signature.EcdsaP384:
		return elliptic.P384().Params().N, true
	}
	return nil, false
}

// ScalarSize is the byte length of one of r or s for alg.
func ScalarSize(alg signature.Algorithm) int {
	if !alg.IsECDSA() {
		return 0
	}
	return alg.FixedSize() / 2
}

func split(fixed []byte) (r, s *big.Int, err error) {
	if len(fixed) == 0 || len(fixed)%2 != 0 {
		return nil, nil, xerrors.Kindf(signature.ErrInvalid, "ecdsa: fixed signature has odd length %d", len(fixed))
	}
	half := len(fixed) / 2
	r = new(big.Int).SetBytes(fixed[:half])
	s = new(big.Int).SetBytes(fixed[half:])
	if r.Sign() == 0 || s.Sign() == 0 {
		return nil, nil, xerrors.Kindf(signature.ErrInvalid, "ecdsa: zero scalar in signature")
	}
	return r, s, nil
}

// Scalars splits a fixed-width signature into r and s, both non-zero.
func Scalars(fixed []byte) (r, s *big.Int, err error) { return split(fixed) }

// Fixed encodes r and s as big-endian integers of size bytes each.
func Fixed(r, s *big.Int, size int) ([]byte, error) {
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > size*8 || s.BitLen() > size*8 {
		return nil, xerrors.Kindf(signature.ErrInvalid, "ecdsa: scalar out of range for %d byte encoding", size)
	}
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

// FixedToASN1 converts r||s to a DER Ecdsa-Sig-Value.
func FixedToASN1(fixed []byte) ([]byte, error) {
	r, s, err := split(fixed)
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

// ASN1ToFixed converts a DER Ecdsa-Sig-Value to r||s with each scalar
// left padded to size bytes. Non-minimal or trailing encodings are
// rejected.
func ASN1ToFixed(der []byte, size int) ([]byte, error) {
	input := cryptobyte.String(der)
	var inner cryptobyte.String
	r, s := new(big.Int), new(big.Int)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, xerrors.Kindf(signature.ErrInvalid, "ecdsa: malformed DER signature")
	}
	return Fixed(r, s, size)
}

// IsLowS reports whether s <= n/2.
func IsLowS(s, n *big.Int) bool {
	half := new(big.Int).Rsh(n, 1)
	return s.Cmp(half) <= 0
}

// NormalizeS returns fixed with s replaced by n-s when s is in the
// upper half of the group. The input is not modified.
func NormalizeS(fixed []byte, n *big.Int) ([]byte, error) {
	r, s, err := split(fixed)
	if err != nil {
		return nil, err
	}
	if s.Cmp(n) >= 0 || r.Cmp(n) >= 0 {
		return nil, xerrors.Kindf(signature.ErrInvalid, "ecdsa: scalar not reduced mod n")
	}
	if !IsLowS(s, n) {
		s.Sub(n, s)
	}
	return Fixed(r, s, len(fixed)/2)
}
