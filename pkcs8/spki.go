package pkcs8

import (
	encasn1 "encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/signature"
)

// ParsePublicKeyInfo decodes an X.509 SubjectPublicKeyInfo and returns
// the algorithm with the raw subjectPublicKey bits: a SEC1 point for
// ECDSA, 32 bytes for Ed25519. crypto/x509 rejects secp256k1 keys, so
// this is parsed by hand.
func ParsePublicKeyInfo(der []byte) (signature.Algorithm, []byte, error) {
	input := cryptobyte.String(der)
	var (
		spki  cryptobyte.String
		algID cryptobyte.String
		bits  encasn1.BitString
	)
	if !input.ReadASN1(&spki, asn1.SEQUENCE) || !input.Empty() ||
		!spki.ReadASN1(&algID, asn1.SEQUENCE) {
		return "", nil, xerrors.WithKind(xerrors.New("pkcs8: malformed SubjectPublicKeyInfo"), signature.ErrKeyInvalid)
	}
	id, err := parseAlgorithmIdentifier(algID)
	if err != nil {
		return "", nil, err
	}
	if !spki.ReadASN1BitString(&bits) || !spki.Empty() || bits.BitLength%8 != 0 {
		return "", nil, xerrors.WithKind(xerrors.New("pkcs8: malformed subjectPublicKey"), signature.ErrKeyInvalid)
	}
	alg, ok := id.signatureAlgorithm()
	if !ok {
		return "", nil, xerrors.WithKind(
			xerrors.Newf("pkcs8: public key algorithm %s not supported", id.algorithm),
			signature.ErrUnsupportedAlgorithm)
	}
	return alg, bits.Bytes, nil
}

// MarshalPublicKeyInfo is the inverse of ParsePublicKeyInfo.
func MarshalPublicKeyInfo(alg signature.Algorithm, publicKey []byte) ([]byte, error) {
	id, ok := identifierFor(alg)
	if !ok {
		return nil, xerrors.WithKind(xerrors.Newf("pkcs8: cannot encode algorithm %q", alg), signature.ErrUnsupportedAlgorithm)
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(id.algorithm)
			if id.curve != nil {
				b.AddASN1ObjectIdentifier(id.curve)
			}
		})
		b.AddASN1BitString(publicKey)
	})
	return b.Bytes()
}
