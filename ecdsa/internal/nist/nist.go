// Package nist implements the NIST prime curves on top of crypto/ecdsa.
// nistp256 and nistp384 expose it per curve.
package nist

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"io"
	"math/big"

	ecdsautil "github.com/keithlinneman/signatory/ecdsa"
	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

// Curve binds an elliptic curve to its digest and encoding sizes.
type Curve struct {
	Algorithm  signature.Algorithm
	ScalarSize int
	name       string
	curve      elliptic.Curve
	ecdh       ecdh.Curve
	sum        func([]byte) []byte
}

var P256 = &Curve{
	Algorithm:  signature.EcdsaP256,
	ScalarSize: 32,
	name:       "P-256",
	curve:      elliptic.P256(),
	ecdh:       ecdh.P256(),
	sum:        func(m []byte) []byte { d := sha256.Sum256(m); return d[:] },
}

var P384 = &Curve{
	Algorithm:  signature.EcdsaP384,
	ScalarSize: 48,
	name:       "P-384",
	curve:      elliptic.P384(),
	ecdh:       ecdh.P384(),
	sum:        func(m []byte) []byte { d := sha512.Sum384(m); return d[:] },
}

func (c *Curve) order() *big.Int { return c.curve.Params().N }

// SignatureSize is the length of a fixed r||s signature.
func (c *Curve) SignatureSize() int { return 2 * c.ScalarSize }

// SigningKey is an ECDSA private key on a NIST curve.
type SigningKey struct {
	c   *Curve
	key *ecdsa.PrivateKey
	pub *VerifyingKey
}

func (c *Curve) wrap(key *ecdsa.PrivateKey) *SigningKey {
	return &SigningKey{c: c, key: key, pub: &VerifyingKey{c: c, key: &key.PublicKey}}
}

// FromBytes builds a key from a big-endian scalar in [1, n).
func (c *Curve) FromBytes(b []byte) (*SigningKey, error) {
	if len(b) != c.ScalarSize {
		return nil, xerrors.Kindf(signature.ErrKeyInvalid, "%s: private key is %d bytes, want %d", c.name, len(b), c.ScalarSize)
	}
	ek, err := c.ecdh.NewPrivateKey(b)
	if err != nil {
		return nil, xerrors.WithKind(xerrors.Wrapf(err, "%s: private key", c.name), signature.ErrKeyInvalid)
	}
	point := ek.PublicKey().Bytes()
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: c.curve,
			X:     new(big.Int).SetBytes(point[1 : 1+c.ScalarSize]),
			Y:     new(big.Int).SetBytes(point[1+c.ScalarSize:]),
		},
		D: new(big.Int).SetBytes(b),
	}
	return c.wrap(key), nil
}

func (c *Curve) Generate(rand io.Reader) (*SigningKey, error) {
	key, err := ecdsa.GenerateKey(c.curve, rand)
	if err != nil {
		return nil, xerrors.Wrapf(err, "%s: generate", c.name)
	}
	return c.wrap(key), nil
}

// FromPKCS8 parses a PrivateKeyInfo for this curve.
func (c *Curve) FromPKCS8(doc *pkcs8.Document) (*SigningKey, error) {
	if doc.Algorithm() != c.Algorithm {
		return nil, xerrors.Kindf(signature.ErrUnsupportedAlgorithm, "%s: document holds %s", c.name, doc.Algorithm())
	}
	parsed, err := x509.ParsePKCS8PrivateKey(doc.DER())
	if err != nil {
		return nil, xerrors.WithKind(xerrors.Wrapf(err, "%s: parse pkcs8", c.name), pkcs8.ErrDecode)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok || key.Curve.Params().Name != c.name {
		return nil, xerrors.Kindf(signature.ErrUnsupportedAlgorithm, "%s: document holds %T", c.name, parsed)
	}
	return c.wrap(key), nil
}

func (c *Curve) GeneratePKCS8(rand io.Reader) (*pkcs8.Document, error) {
	k, err := c.Generate(rand)
	if err != nil {
		return nil, err
	}
	defer k.Zeroize()
	return k.ToPKCS8()
}

func (k *SigningKey) Algorithm() signature.Algorithm { return k.c.Algorithm }
func (k *SigningKey) VerifyingKey() *VerifyingKey    { return k.pub }

// PublicKey returns the compressed SEC1 point.
func (k *SigningKey) PublicKey() []byte { return k.pub.Compressed() }

// Bytes returns the private scalar. Callers should clear it.
func (k *SigningKey) Bytes() []byte { return k.key.D.FillBytes(make([]byte, k.c.ScalarSize)) }

// Sign hashes msg and returns a fixed r||s signature with low S.
func (k *SigningKey) Sign(msg []byte) ([]byte, error) {
	return k.SignDigest(k.c.sum(msg))
}

// SignDigest signs a digest produced by the curve's hash.
func (k *SigningKey) SignDigest(digest []byte) ([]byte, error) {
	der, err := ecdsa.SignASN1(rand.Reader, k.key, digest)
	if err != nil {
		return nil, xerrors.Wrapf(err, "%s: sign", k.c.name)
	}
	fixed, err := ecdsautil.ASN1ToFixed(der, k.c.ScalarSize)
	if err != nil {
		return nil, err
	}
	return ecdsautil.NormalizeS(fixed, k.c.order())
}

// SignASN1 is Sign with a DER encoded result.
func (k *SigningKey) SignASN1(msg []byte) ([]byte, error) {
	fixed, err := k.Sign(msg)
	if err != nil {
		return nil, err
	}
	return ecdsautil.FixedToASN1(fixed)
}

func (k *SigningKey) ToPKCS8() (*pkcs8.Document, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.key)
	if err != nil {
		return nil, xerrors.Wrapf(err, "%s: marshal pkcs8", k.c.name)
	}
	defer clear(der)
	return pkcs8.FromDER(der)
}

func (k *SigningKey) Equal(other *SigningKey) bool {
	if other == nil || other.c != k.c {
		return false
	}
	a, b := k.Bytes(), other.Bytes()
	defer clear(a)
	defer clear(b)
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize clears the private scalar in place.
func (k *SigningKey) Zeroize() {
	clear(k.key.D.Bits())
	k.key.D.SetInt64(0)
}

// VerifyingKey is an ECDSA public key on a NIST curve.
type VerifyingKey struct {
	c   *Curve
	key *ecdsa.PublicKey
}

// FromSEC1 parses a compressed or uncompressed point.
func (c *Curve) FromSEC1(b []byte) (*VerifyingKey, error) {
	switch {
	case len(b) == 1+c.ScalarSize && (b[0] == 2 || b[0] == 3):
		x, y := elliptic.UnmarshalCompressed(c.curve, b)
		if x == nil {
			return nil, xerrors.Kindf(signature.ErrKeyInvalid, "%s: point not on curve", c.name)
		}
		return &VerifyingKey{c: c, key: &ecdsa.PublicKey{Curve: c.curve, X: x, Y: y}}, nil
	case len(b) == 1+2*c.ScalarSize && b[0] == 4:
		if _, err := c.ecdh.NewPublicKey(b); err != nil {
			return nil, xerrors.WithKind(xerrors.Wrapf(err, "%s: public key", c.name), signature.ErrKeyInvalid)
		}
		return &VerifyingKey{c: c, key: &ecdsa.PublicKey{
			Curve: c.curve,
			X:     new(big.Int).SetBytes(b[1 : 1+c.ScalarSize]),
			Y:     new(big.Int).SetBytes(b[1+c.ScalarSize:]),
		}}, nil
	}
	return nil, xerrors.Kindf(signature.ErrKeyInvalid, "%s: public key is %d bytes", c.name, len(b))
}

func (v *VerifyingKey) Compressed() []byte {
	return elliptic.MarshalCompressed(v.c.curve, v.key.X, v.key.Y)
}

func (v *VerifyingKey) Uncompressed() []byte {
	out := make([]byte, 1+2*v.c.ScalarSize)
	out[0] = 4
	v.key.X.FillBytes(out[1 : 1+v.c.ScalarSize])
	v.key.Y.FillBytes(out[1+v.c.ScalarSize:])
	return out
}

func (v *VerifyingKey) Equal(other *VerifyingKey) bool {
	return other != nil && v.key.Equal(other.key)
}

// Verify checks a fixed r||s signature over msg.
func (v *VerifyingKey) Verify(msg, sig []byte) error {
	return v.VerifyDigest(v.c.sum(msg), sig)
}

func (v *VerifyingKey) VerifyDigest(digest, sig []byte) error {
	if len(sig) != v.c.SignatureSize() {
		return xerrors.Kindf(signature.ErrInvalid, "%s: signature is %d bytes, want %d", v.c.name, len(sig), v.c.SignatureSize())
	}
	r, s, err := ecdsautil.Scalars(sig)
	if err != nil {
		return err
	}
	if !ecdsa.Verify(v.key, digest, r, s) {
		return xerrors.WithKind(xerrors.Newf("%s: verification failed", v.c.name), signature.ErrInvalid)
	}
	return nil
}

// VerifyASN1 checks a DER encoded signature over msg.
func (v *VerifyingKey) VerifyASN1(msg, der []byte) error {
	fixed, err := ecdsautil.ASN1ToFixed(der, v.c.ScalarSize)
	if err != nil {
		return err
	}
	return v.Verify(msg, fixed)
}
