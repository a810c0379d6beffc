package nistp384

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/keithlinneman/signatory/signature"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	k, err := Generate(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("example message")
	sig, err := k.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != SignatureSize || SignatureSize != Algorithm.FixedSize() {
		t.Fatalf("len(sig) = %d", len(sig))
	}
	if err := k.VerifyingKey().Verify(msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := k.VerifyingKey().Verify([]byte("other"), sig); !errors.Is(err, signature.ErrInvalid) {
		t.Fatalf("tampered err = %v", err)
	}
}

func TestASN1_RoundTrip(t *testing.T) {
	k, _ := Generate(rand.Reader)
	der, err := k.SignASN1([]byte("der"))
	if err != nil {
		t.Fatal(err)
	}
	if err := k.VerifyingKey().VerifyASN1([]byte("der"), der); err != nil {
		t.Fatalf("VerifyASN1: %v", err)
	}
}

func TestPKCS8_RoundTrip(t *testing.T) {
	doc, err := GeneratePKCS8(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	k, err := FromPKCS8(doc)
	if err != nil {
		t.Fatalf("FromPKCS8: %v", err)
	}
	if k.Algorithm() != signature.EcdsaP384 {
		t.Fatalf("Algorithm() = %q", k.Algorithm())
	}
	pub, err := FromSEC1(k.PublicKey())
	if err != nil || !pub.Equal(k.VerifyingKey()) {
		t.Fatalf("FromSEC1: %v", err)
	}
}
