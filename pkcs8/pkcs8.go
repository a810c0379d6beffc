// Package pkcs8 holds private keys as RFC 5208/5958 PrivateKeyInfo
// documents. The algorithm identifier is decoded eagerly so a document
// always knows which signing backend it belongs to, while the inner
// private key stays opaque DER until a backend parses it.
package pkcs8

import (
	"bytes"
	"crypto/subtle"
	encasn1 "encoding/asn1"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/signature"
)

// ErrDecode reports DER that is not a well-formed PrivateKeyInfo.
// It matches signature.ErrKeyInvalid.
var ErrDecode = fmt.Errorf("pkcs8: malformed document: %w", signature.ErrKeyInvalid)

// Generator produces fresh random keys as PKCS#8 documents.
type Generator interface {
	GeneratePKCS8(rand io.Reader) (*Document, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(rand io.Reader) (*Document, error)

func (f GeneratorFunc) GeneratePKCS8(rand io.Reader) (*Document, error) { return f(rand) }

var (
	tagAttributes = asn1.Tag(0).Constructed().ContextSpecific()
	tagPublicKey  = asn1.Tag(1).ContextSpecific()
)

// Document is a DER encoded PrivateKeyInfo. It owns its buffer; call
// Zeroize once the key has been handed to a signer.
type Document struct {
	der        []byte
	alg        signature.Algorithm
	privateKey []byte // view into der
	publicKey  []byte // v2 publicKey BIT STRING contents, nil if absent
}

// FromDER copies and parses der. Version 1 (OneAsymmetricKey) documents
// are accepted; attributes are ignored and an embedded public key is
// exposed through PublicKey.
func FromDER(der []byte) (*Document, error) {
	buf := bytes.Clone(der)
	d, err := parse(buf)
	if err != nil {
		clear(buf)
		return nil, err
	}
	return d, nil
}

func parse(der []byte) (*Document, error) {
	input := cryptobyte.String(der)
	var (
		info    cryptobyte.String
		algID   cryptobyte.String
		key     cryptobyte.String
		pub     cryptobyte.String
		hasPub  bool
		version int64
	)
	if !input.ReadASN1(&info, asn1.SEQUENCE) || !input.Empty() {
		return nil, xerrors.WithKind(xerrors.New("pkcs8: expected a single PrivateKeyInfo sequence"), ErrDecode)
	}
	if !info.ReadASN1Integer(&version) {
		return nil, xerrors.WithKind(xerrors.New("pkcs8: missing version"), ErrDecode)
	}
	if version != 0 && version != 1 {
		return nil, xerrors.WithKind(xerrors.Newf("pkcs8: unsupported version %d", version), ErrDecode)
	}
	if !info.ReadASN1(&algID, asn1.SEQUENCE) {
		return nil, xerrors.WithKind(xerrors.New("pkcs8: missing algorithm identifier"), ErrDecode)
	}
	id, err := parseAlgorithmIdentifier(algID)
	if err != nil {
		return nil, err
	}
	if !info.ReadASN1(&key, asn1.OCTET_STRING) || len(key) == 0 {
		return nil, xerrors.WithKind(xerrors.New("pkcs8: missing private key"), ErrDecode)
	}
	if !info.SkipOptionalASN1(tagAttributes) ||
		!info.ReadOptionalASN1(&pub, &hasPub, tagPublicKey) || !info.Empty() {
		return nil, xerrors.WithKind(xerrors.New("pkcs8: trailing data after private key"), ErrDecode)
	}
	var publicKey []byte
	if hasPub {
		// [1] IMPLICIT BIT STRING: leading unused-bits byte must be zero
		if len(pub) < 2 || pub[0] != 0 {
			return nil, xerrors.WithKind(xerrors.New("pkcs8: malformed public key field"), ErrDecode)
		}
		publicKey = pub[1:]
	}

	alg, ok := id.signatureAlgorithm()
	if !ok {
		return nil, xerrors.WithKind(
			xerrors.Newf("pkcs8: algorithm %s (curve %v) not supported", id.algorithm, id.curve),
			signature.ErrUnsupportedAlgorithm)
	}
	return &Document{der: der, alg: alg, privateKey: key, publicKey: publicKey}, nil
}

func parseAlgorithmIdentifier(algID cryptobyte.String) (algorithmIdentifier, error) {
	var id algorithmIdentifier
	if !algID.ReadASN1ObjectIdentifier(&id.algorithm) {
		return id, xerrors.WithKind(xerrors.New("pkcs8: bad algorithm oid"), ErrDecode)
	}
	switch {
	case algID.Empty():
	case algID.PeekASN1Tag(asn1.OBJECT_IDENTIFIER):
		var curve encasn1.ObjectIdentifier
		if !algID.ReadASN1ObjectIdentifier(&curve) {
			return id, xerrors.WithKind(xerrors.New("pkcs8: bad curve oid"), ErrDecode)
		}
		id.curve = curve
	case algID.PeekASN1Tag(asn1.NULL):
		var null cryptobyte.String
		if !algID.ReadASN1(&null, asn1.NULL) || !null.Empty() {
			return id, xerrors.WithKind(xerrors.New("pkcs8: bad NULL parameters"), ErrDecode)
		}
	default:
		return id, xerrors.WithKind(xerrors.New("pkcs8: unsupported algorithm parameters"), signature.ErrUnsupportedAlgorithm)
	}
	if !algID.Empty() {
		return id, xerrors.WithKind(xerrors.New("pkcs8: trailing data in algorithm identifier"), ErrDecode)
	}
	return id, nil
}

// Encode wraps an algorithm specific private key (an RFC 5915
// ECPrivateKey, or an RFC 8410 CurvePrivateKey) in a version 0
// PrivateKeyInfo.
func Encode(alg signature.Algorithm, privateKey []byte) (*Document, error) {
	id, ok := identifierFor(alg)
	if !ok {
		return nil, xerrors.WithKind(xerrors.Newf("pkcs8: cannot encode algorithm %q", alg), signature.ErrUnsupportedAlgorithm)
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(id.algorithm)
			if id.curve != nil {
				b.AddASN1ObjectIdentifier(id.curve)
			}
		})
		b.AddASN1OctetString(privateKey)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, xerrors.Wrap(err, "pkcs8: encode")
	}
	return parse(der)
}

// Algorithm is the signature algorithm named by the document's
// AlgorithmIdentifier.
func (d *Document) Algorithm() signature.Algorithm { return d.alg }

// PrivateKey returns the contents of the privateKey OCTET STRING. The
// slice aliases the document and is cleared by Zeroize.
func (d *Document) PrivateKey() []byte { return d.privateKey }

// PublicKey returns the public key embedded in a version 1 document, or
// nil. Backends must check it against the key derived from PrivateKey.
func (d *Document) PublicKey() []byte { return d.publicKey }

// DER returns the encoded document. The slice aliases the document.
func (d *Document) DER() []byte { return d.der }

// Equal compares two documents in constant time.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	return subtle.ConstantTimeCompare(d.der, other.der) == 1
}

// Zeroize overwrites the key material. The document is unusable after.
func (d *Document) Zeroize() {
	if d == nil {
		return
	}
	clear(d.der)
	d.der = nil
	d.privateKey = nil
	d.publicKey = nil
}

func (d *Document) String() string { return "pkcs8.Document(" + string(d.alg) + ")" }
