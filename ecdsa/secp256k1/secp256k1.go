// Package secp256k1 signs with ECDSA over secp256k1 using SHA-256,
// RFC 6979 nonces and low-S signatures. Curve arithmetic is provided
// by the decred secp256k1 module.
package secp256k1

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	encasn1 "encoding/asn1"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	ecdsautil "github.com/keithlinneman/signatory/ecdsa"
	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

const (
	Algorithm = signature.EcdsaSecp256k1

	ScalarSize            = 32
	SignatureSize         = 2 * ScalarSize
	CompressedPointSize   = 33
	UncompressedPointSize = 65
)

// SigningKey is a secp256k1 private key. It is safe for concurrent use.
type SigningKey struct {
	key *secp256k1.PrivateKey
	pub *VerifyingKey
}

var _ signature.Signer = (*SigningKey)(nil)

// FromBytes builds a key from a 32 byte big-endian scalar in [1, n).
func FromBytes(b []byte) (*SigningKey, error) {
	if len(b) != ScalarSize {
		return nil, xerrors.Kindf(signature.ErrKeyInvalid, "secp256k1: private key is %d bytes, want %d", len(b), ScalarSize)
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		s.Zero()
		return nil, xerrors.Kindf(signature.ErrKeyInvalid, "secp256k1: private key scalar out of range")
	}
	priv := secp256k1.NewPrivateKey(&s)
	s.Zero()
	return newSigningKey(priv), nil
}

func newSigningKey(priv *secp256k1.PrivateKey) *SigningKey {
	return &SigningKey{key: priv, pub: &VerifyingKey{key: priv.PubKey()}}
}

// Generate draws scalars from rand until one is in range.
func Generate(rand io.Reader) (*SigningKey, error) {
	var buf [ScalarSize]byte
	defer clear(buf[:])
	for range 128 {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return nil, xerrors.Wrap(err, "secp256k1: read entropy")
		}
		if k, err := FromBytes(buf[:]); err == nil {
			return k, nil
		}
	}
	return nil, xerrors.New("secp256k1: entropy source produced no valid scalar")
}

// Bytes returns the 32 byte scalar. Callers should clear it.
func (k *SigningKey) Bytes() []byte { return k.key.Serialize() }

// Algorithm implements signature.Signer.
func (k *SigningKey) Algorithm() signature.Algorithm { return Algorithm }

// VerifyingKey returns the matching public key.
func (k *SigningKey) VerifyingKey() *VerifyingKey { return k.pub }

// PublicKey returns the compressed SEC1 encoding of the public key.
func (k *SigningKey) PublicKey() []byte { return k.pub.Compressed() }

// Sign hashes msg with SHA-256 and returns a 64 byte r||s signature
// with s in the lower half of the group.
func (k *SigningKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return k.SignDigest(digest[:])
}

// SignDigest signs a precomputed 32 byte digest.
func (k *SigningKey) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, xerrors.Kindf(signature.ErrInvalid, "secp256k1: digest is %d bytes, want %d", len(digest), sha256.Size)
	}
	sig := decdsa.Sign(k.key, digest)
	return ecdsautil.ASN1ToFixed(sig.Serialize(), ScalarSize)
}

// SignASN1 is Sign with a DER encoded result.
func (k *SigningKey) SignASN1(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return decdsa.Sign(k.key, digest[:]).Serialize(), nil
}

// Zeroize clears the private scalar.
func (k *SigningKey) Zeroize() { k.key.Zero() }

// Equal compares private scalars in constant time.
func (k *SigningKey) Equal(other *SigningKey) bool {
	if other == nil {
		return false
	}
	a, b := k.Bytes(), other.Bytes()
	defer clear(a)
	defer clear(b)
	return subtle.ConstantTimeCompare(a, b) == 1
}

// FromPKCS8 parses a PrivateKeyInfo holding an RFC 5915 ECPrivateKey on
// secp256k1. An embedded public key, when present, must match.
func FromPKCS8(doc *pkcs8.Document) (*SigningKey, error) {
	if doc.Algorithm() != Algorithm {
		return nil, xerrors.Kindf(signature.ErrUnsupportedAlgorithm, "secp256k1: document holds %s", doc.Algorithm())
	}
	scalar, embeddedPub, err := parseECPrivateKey(doc.PrivateKey())
	if err != nil {
		return nil, err
	}
	padded := make([]byte, ScalarSize)
	defer clear(padded)
	copy(padded[ScalarSize-len(scalar):], scalar)
	k, err := FromBytes(padded)
	if err != nil {
		return nil, err
	}
	if embeddedPub != nil {
		if !bytes.Equal(embeddedPub, k.pub.Uncompressed()) && !bytes.Equal(embeddedPub, k.pub.Compressed()) {
			k.Zeroize()
			return nil, xerrors.Kindf(signature.ErrKeyInvalid, "secp256k1: embedded public key does not match private key")
		}
	}
	return k, nil
}

var (
	tagECParams    = asn1.Tag(0).Constructed().ContextSpecific()
	tagECPublicKey = asn1.Tag(1).Constructed().ContextSpecific()
)

func parseECPrivateKey(der []byte) (scalar, pub []byte, err error) {
	input := cryptobyte.String(der)
	var (
		seq     cryptobyte.String
		priv    cryptobyte.String
		version int64
	)
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Integer(&version) || version != 1 ||
		!seq.ReadASN1(&priv, asn1.OCTET_STRING) ||
		len(priv) == 0 || len(priv) > ScalarSize {
		return nil, nil, xerrors.WithKind(xerrors.New("secp256k1: malformed ECPrivateKey"), pkcs8.ErrDecode)
	}

	var (
		params, pubField cryptobyte.String
		hasParams        bool
		hasPub           bool
	)
	if !seq.ReadOptionalASN1(&params, &hasParams, tagECParams) ||
		!seq.ReadOptionalASN1(&pubField, &hasPub, tagECPublicKey) || !seq.Empty() {
		return nil, nil, xerrors.WithKind(xerrors.New("secp256k1: malformed ECPrivateKey trailer"), pkcs8.ErrDecode)
	}
	if hasParams {
		oid, _ := pkcs8.NamedCurveOID(Algorithm)
		var got encasn1.ObjectIdentifier
		if !params.ReadASN1ObjectIdentifier(&got) || !got.Equal(oid) {
			return nil, nil, xerrors.Kindf(signature.ErrUnsupportedAlgorithm, "secp256k1: ECPrivateKey names a different curve")
		}
	}
	if hasPub {
		var bits encasn1.BitString
		if !pubField.ReadASN1BitString(&bits) || bits.BitLength%8 != 0 {
			return nil, nil, xerrors.WithKind(xerrors.New("secp256k1: malformed embedded public key"), pkcs8.ErrDecode)
		}
		pub = bits.Bytes
	}
	return priv, pub, nil
}

// ToPKCS8 encodes the key as a PrivateKeyInfo wrapping an RFC 5915
// ECPrivateKey that embeds the uncompressed public key.
func (k *SigningKey) ToPKCS8() (*pkcs8.Document, error) {
	scalar := k.Bytes()
	defer clear(scalar)

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1)
		b.AddASN1OctetString(scalar)
		b.AddASN1(tagECPublicKey, func(b *cryptobyte.Builder) {
			b.AddASN1BitString(k.pub.Uncompressed())
		})
	})
	inner, err := b.Bytes()
	if err != nil {
		return nil, xerrors.Wrap(err, "secp256k1: encode ECPrivateKey")
	}
	defer clear(inner)
	return pkcs8.Encode(Algorithm, inner)
}

// GeneratePKCS8 creates a fresh key and returns it as a PKCS#8 document.
func GeneratePKCS8(rand io.Reader) (*pkcs8.Document, error) {
	k, err := Generate(rand)
	if err != nil {
		return nil, err
	}
	defer k.Zeroize()
	return k.ToPKCS8()
}
