// Package nistp256 signs with ECDSA over NIST P-256 using SHA-256.
// Signatures are normalised to low S; verification accepts either.
package nistp256

import (
	"io"

	"github.com/keithlinneman/signatory/ecdsa/internal/nist"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

const (
	Algorithm     = signature.EcdsaP256
	ScalarSize    = 32
	SignatureSize = 2 * ScalarSize
)

type (
	SigningKey   = nist.SigningKey
	VerifyingKey = nist.VerifyingKey
)

var curve = nist.P256

func FromBytes(b []byte) (*SigningKey, error) { return curve.FromBytes(b) }
func Generate(rand io.Reader) (*SigningKey, error) { return curve.Generate(rand) }
func FromPKCS8(doc *pkcs8.Document) (*SigningKey, error) { return curve.FromPKCS8(doc) }
func GeneratePKCS8(rand io.Reader) (*pkcs8.Document, error) { return curve.GeneratePKCS8(rand) }
func FromSEC1(b []byte) (*VerifyingKey, error) { return curve.FromSEC1(b) }
