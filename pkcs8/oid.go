package pkcs8

import (
	"encoding/asn1"

	"github.com/keithlinneman/signatory/signature"
)

var (
	oidPublicKeyECDSA   = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidPublicKeyEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}

	oidNamedCurveSecp256k1 = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
	oidNamedCurveP256      = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidNamedCurveP384      = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
)

// algorithmIdentifier is the (algorithm, parameters) pair shared by
// PrivateKeyInfo and SubjectPublicKeyInfo.
type algorithmIdentifier struct {
	algorithm asn1.ObjectIdentifier
	curve     asn1.ObjectIdentifier // nil unless algorithm is id-ecPublicKey
}

func identifierFor(alg signature.Algorithm) (algorithmIdentifier, bool) {
	switch alg {
	case signature.Ed25519:
		return algorithmIdentifier{algorithm: oidPublicKeyEd25519}, true
	case signature.EcdsaSecp256k1:
		return algorithmIdentifier{algorithm: oidPublicKeyECDSA, curve: oidNamedCurveSecp256k1}, true
	case signature.EcdsaP256:
		return algorithmIdentifier{algorithm: oidPublicKeyECDSA, curve: oidNamedCurveP256}, true
	case signature.EcdsaP384:
		return algorithmIdentifier{algorithm: oidPublicKeyECDSA, curve: oidNamedCurveP384}, true
	}
	return algorithmIdentifier{}, false
}

func (id algorithmIdentifier) signatureAlgorithm() (signature.Algorithm, bool) {
	switch {
	case id.algorithm.Equal(oidPublicKeyEd25519) && id.curve == nil:
		return signature.Ed25519, true
	case !id.algorithm.Equal(oidPublicKeyECDSA):
		return "", false
	case id.curve.Equal(oidNamedCurveSecp256k1):
		return signature.EcdsaSecp256k1, true
	case id.curve.Equal(oidNamedCurveP256):
		return signature.EcdsaP256, true
	case id.curve.Equal(oidNamedCurveP384):
		return signature.EcdsaP384, true
	}
	return "", false
}

// NamedCurveOID returns the SEC 2 / X9.62 named curve identifier for
// an ECDSA algorithm.
func NamedCurveOID(alg signature.Algorithm) (asn1.ObjectIdentifier, bool) {
	id, ok := identifierFor(alg)
	if !ok || id.curve == nil {
		return nil, false
	}
	return id.curve, true
}
