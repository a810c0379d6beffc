package secp256k1

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	ecdsautil "github.com/keithlinneman/signatory/ecdsa"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func scalarOne() []byte {
	b := make([]byte, ScalarSize)
	b[ScalarSize-1] = 1
	return b
}

func newKey(t *testing.T) *SigningKey {
	t.Helper()
	k, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return k
}

// Known answer

func TestSign_RFC6979Vector(t *testing.T) {
	k, err := FromBytes(scalarOne())
	if err != nil {
		t.Fatal(err)
	}
	sig, err := k.Sign([]byte("Satoshi Nakamoto"))
	if err != nil {
		t.Fatal(err)
	}
	want := mustHex(t,
		"934b1ea10a4b3c1757e2b0c017d0b6143ce3c9a7e6a4a49860d7a6ab210ee3d8"+
			"2442ce9d2b916064108014783e923ec36b49743e2ffa1c4496f01a512aafd9e5")
	if !bytes.Equal(sig, want) {
		t.Fatalf("sig = %x\nwant  %x", sig, want)
	}
}

func TestPublicKey_Generator(t *testing.T) {
	k, _ := FromBytes(scalarOne())
	want := mustHex(t, "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	if !bytes.Equal(k.PublicKey(), want) {
		t.Fatalf("PublicKey() = %x", k.PublicKey())
	}
}

// FromBytes

func TestFromBytes_Rejects(t *testing.T) {
	n, _ := ecdsautil.Order(Algorithm)
	cases := map[string][]byte{
		"zero":  make([]byte, ScalarSize),
		"order": n.FillBytes(make([]byte, ScalarSize)),
		"short": make([]byte, 31),
		"long":  make([]byte, 33),
	}
	for name, b := range cases {
		if _, err := FromBytes(b); !errors.Is(err, signature.ErrKeyInvalid) {
			t.Fatalf("%s: err = %v, want ErrKeyInvalid", name, err)
		}
	}
}

func TestFromBytes_OrderMinusOne(t *testing.T) {
	n, _ := ecdsautil.Order(Algorithm)
	top := new(big.Int).Sub(n, big.NewInt(1))
	if _, err := FromBytes(top.FillBytes(make([]byte, ScalarSize))); err != nil {
		t.Fatalf("n-1 is a valid scalar: %v", err)
	}
}

// Sign / Verify

func TestSignVerify_RoundTrip(t *testing.T) {
	k := newKey(t)
	msg := []byte("example message")
	sig, err := k.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != SignatureSize {
		t.Fatalf("len(sig) = %d", len(sig))
	}
	if err := k.VerifyingKey().Verify(msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSign_Deterministic(t *testing.T) {
	k := newKey(t)
	a, _ := k.Sign([]byte("same"))
	b, _ := k.Sign([]byte("same"))
	if !bytes.Equal(a, b) {
		t.Fatal("RFC 6979 signatures should be deterministic")
	}
}

func TestSign_LowS(t *testing.T) {
	k := newKey(t)
	n, _ := ecdsautil.Order(Algorithm)
	for i := range 32 {
		sig, _ := k.Sign([]byte{byte(i)})
		_, s, err := ecdsautil.Scalars(sig)
		if err != nil {
			t.Fatal(err)
		}
		if !ecdsautil.IsLowS(s, n) {
			t.Fatalf("message %d produced high S", i)
		}
	}
}

func TestVerify_TamperedMessage(t *testing.T) {
	k := newKey(t)
	sig, _ := k.Sign([]byte("original"))
	if err := k.VerifyingKey().Verify([]byte("tampered"), sig); !errors.Is(err, signature.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	msg := []byte("m")
	sig, _ := newKey(t).Sign(msg)
	if err := newKey(t).VerifyingKey().Verify(msg, sig); !errors.Is(err, signature.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerify_HighSRejected(t *testing.T) {
	k := newKey(t)
	msg := []byte("malleable")
	sig, _ := k.Sign(msg)
	n, _ := ecdsautil.Order(Algorithm)
	r, s, _ := ecdsautil.Scalars(sig)
	high, err := ecdsautil.Fixed(r, new(big.Int).Sub(n, s), ScalarSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.VerifyingKey().Verify(msg, high); !errors.Is(err, signature.ErrInvalid) {
		t.Fatalf("high-S signature accepted: %v", err)
	}
}

func TestVerify_BadLength(t *testing.T) {
	k := newKey(t)
	if err := k.VerifyingKey().Verify([]byte("m"), make([]byte, 63)); !errors.Is(err, signature.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerify_ZeroScalars(t *testing.T) {
	k := newKey(t)
	if err := k.VerifyingKey().Verify([]byte("m"), make([]byte, SignatureSize)); !errors.Is(err, signature.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestSignDigest_BadLength(t *testing.T) {
	if _, err := newKey(t).SignDigest(make([]byte, 20)); !errors.Is(err, signature.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestASN1_RoundTrip(t *testing.T) {
	k := newKey(t)
	msg := []byte("der")
	der, err := k.SignASN1(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.VerifyingKey().VerifyASN1(msg, der); err != nil {
		t.Fatalf("VerifyASN1: %v", err)
	}
	fixed, _ := k.Sign(msg)
	conv, err := ecdsautil.ASN1ToFixed(der, ScalarSize)
	if err != nil || !bytes.Equal(conv, fixed) {
		t.Fatal("DER and fixed signatures should carry the same scalars")
	}
}

// Public keys

func TestFromSEC1_BothForms(t *testing.T) {
	k := newKey(t)
	c, err := FromSEC1(k.VerifyingKey().Compressed())
	if err != nil {
		t.Fatal(err)
	}
	u, err := FromSEC1(k.VerifyingKey().Uncompressed())
	if err != nil {
		t.Fatal(err)
	}
	if !c.Equal(u) || !c.Equal(k.VerifyingKey()) {
		t.Fatal("compressed and uncompressed forms should be equal")
	}
}

func TestFromSEC1_Invalid(t *testing.T) {
	bad := append([]byte{0x02}, bytes.Repeat([]byte{0xff}, 32)...)
	if _, err := FromSEC1(bad); !errors.Is(err, signature.ErrKeyInvalid) {
		t.Fatalf("err = %v", err)
	}
	if _, err := FromSEC1([]byte{0x04}); !errors.Is(err, signature.ErrKeyInvalid) {
		t.Fatalf("err = %v", err)
	}
}

// PKCS#8

func TestPKCS8_RoundTrip(t *testing.T) {
	k := newKey(t)
	doc, err := k.ToPKCS8()
	if err != nil {
		t.Fatalf("ToPKCS8: %v", err)
	}
	if doc.Algorithm() != Algorithm {
		t.Fatalf("Algorithm() = %q", doc.Algorithm())
	}
	back, err := FromPKCS8(doc)
	if err != nil {
		t.Fatalf("FromPKCS8: %v", err)
	}
	if !back.Equal(k) {
		t.Fatal("round trip changed the key")
	}
}

func TestPKCS8_PEMRoundTrip(t *testing.T) {
	doc, err := GeneratePKCS8(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := pkcs8.DecodePEM(doc.EncodePEM())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FromPKCS8(parsed); err != nil {
		t.Fatalf("FromPKCS8: %v", err)
	}
}

func ecPrivateKey(t *testing.T, scalar, pub []byte) *pkcs8.Document {
	t.Helper()
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1)
		b.AddASN1OctetString(scalar)
		if pub != nil {
			b.AddASN1(tagECPublicKey, func(b *cryptobyte.Builder) { b.AddASN1BitString(pub) })
		}
	})
	inner, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	doc, err := pkcs8.Encode(Algorithm, inner)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestFromPKCS8_NoEmbeddedPublicKey(t *testing.T) {
	k, err := FromPKCS8(ecPrivateKey(t, scalarOne(), nil))
	if err != nil {
		t.Fatalf("FromPKCS8: %v", err)
	}
	if k.PublicKey()[0] != 0x02 {
		t.Fatalf("PublicKey() = %x", k.PublicKey())
	}
}

func TestFromPKCS8_ShortScalarPadded(t *testing.T) {
	k, err := FromPKCS8(ecPrivateKey(t, []byte{0x01}, nil))
	if err != nil {
		t.Fatalf("FromPKCS8: %v", err)
	}
	one, _ := FromBytes(scalarOne())
	if !k.Equal(one) {
		t.Fatal("short scalar should be left padded")
	}
}

func TestFromPKCS8_PublicKeyMismatch(t *testing.T) {
	other := newKey(t).VerifyingKey().Uncompressed()
	_, err := FromPKCS8(ecPrivateKey(t, scalarOne(), other))
	if !errors.Is(err, signature.ErrKeyInvalid) {
		t.Fatalf("err = %v, want ErrKeyInvalid", err)
	}
}

func TestFromPKCS8_WrongAlgorithm(t *testing.T) {
	doc, err := pkcs8.Encode(signature.EcdsaP256, []byte{0x30, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FromPKCS8(doc); !errors.Is(err, signature.ErrUnsupportedAlgorithm) {
		t.Fatalf("err = %v", err)
	}
}

func TestFromPKCS8_Malformed(t *testing.T) {
	doc, err := pkcs8.Encode(Algorithm, []byte{0x04, 0x01, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FromPKCS8(doc); !errors.Is(err, pkcs8.ErrDecode) {
		t.Fatalf("err = %v", err)
	}
}

func TestZeroize(t *testing.T) {
	k := newKey(t)
	k.Zeroize()
	if !bytes.Equal(k.Bytes(), make([]byte, ScalarSize)) {
		t.Fatal("scalar should be cleared")
	}
}

func TestGenerate_ShortEntropy(t *testing.T) {
	if _, err := Generate(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatal("expected error from exhausted reader")
	}
}

func FuzzVerify(f *testing.F) {
	k, _ := FromBytes(scalarOne())
	good, _ := k.Sign([]byte("seed"))
	f.Add([]byte("seed"), good)
	f.Add([]byte(""), make([]byte, SignatureSize))
	f.Fuzz(func(t *testing.T, msg, sig []byte) {
		err := k.VerifyingKey().Verify(msg, sig)
		// INVARIANT: every failure is reported as ErrInvalid.
		if err != nil && !errors.Is(err, signature.ErrInvalid) {
			t.Fatalf("unexpected error kind: %v", err)
		}
	})
}
