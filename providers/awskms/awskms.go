// Package awskms signs with asymmetric ECC keys held in AWS KMS. The
// private key never leaves KMS; messages are hashed locally and only
// the digest is sent.
package awskms

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	ecdsautil "github.com/keithlinneman/signatory/ecdsa"
	"github.com/keithlinneman/signatory/ecdsa/nistp256"
	"github.com/keithlinneman/signatory/ecdsa/nistp384"
	"github.com/keithlinneman/signatory/ecdsa/secp256k1"
	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

// DefaultTimeout bounds Sign calls made without a context.
const DefaultTimeout = 10 * time.Second

// API is the subset of the KMS API the provider uses.
type API interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// Session shares one KMS client across signers.
type Session struct {
	client  API
	timeout time.Duration
}

// NewSession wraps client. A zero timeout selects DefaultTimeout.
func NewSession(client API, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Session{client: client, timeout: timeout}
}

// Open builds a session from the default AWS config chain.
func Open(ctx context.Context, awsCfg *aws.Config) (*Session, error) {
	var cfg aws.Config
	if awsCfg != nil {
		cfg = *awsCfg
	} else {
		var err error
		cfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "awskms: load AWS config")
		}
	}
	return NewSession(kms.NewFromConfig(cfg), 0), nil
}

type keySpec struct {
	alg     signature.Algorithm
	signing kmstypes.SigningAlgorithmSpec
	digest  func([]byte) []byte
}

func specFor(ks kmstypes.KeySpec) (keySpec, bool) {
	sum256 := func(m []byte) []byte { d := sha256.Sum256(m); return d[:] }
	switch ks {
	case kmstypes.KeySpecEccSecgP256k1:
		return keySpec{signature.EcdsaSecp256k1, kmstypes.SigningAlgorithmSpecEcdsaSha256, sum256}, true
	case kmstypes.KeySpecEccNistP256:
		return keySpec{signature.EcdsaP256, kmstypes.SigningAlgorithmSpecEcdsaSha256, sum256}, true
	case kmstypes.KeySpecEccNistP384:
		return keySpec{signature.EcdsaP384, kmstypes.SigningAlgorithmSpecEcdsaSha384, func(m []byte) []byte { d := sha512.Sum384(m); return d[:] }}, true
	}
	return keySpec{}, false
}

type digestVerifier interface {
	VerifyDigest(digest, sig []byte) error
	Compressed() []byte
}

func verifierFor(alg signature.Algorithm, point []byte) (digestVerifier, error) {
	switch alg {
	case signature.EcdsaSecp256k1:
		return secp256k1.FromSEC1(point)
	case signature.EcdsaP256:
		return nistp256.FromSEC1(point)
	case signature.EcdsaP384:
		return nistp384.FromSEC1(point)
	}
	return nil, xerrors.Kindf(signature.ErrUnsupportedAlgorithm, "awskms: no verifier for %s", alg)
}

// Signer signs with one KMS key. It implements signature.ContextSigner.
type Signer struct {
	client  API
	keyID   string
	timeout time.Duration

	// cached key description, replaced by Refresh
	mu       sync.RWMutex
	spec     keySpec
	verifier digestVerifier
}

var _ signature.ContextSigner = (*Signer)(nil)

// Signer fetches the key's public half and checks it can sign with a
// supported curve.
func (s *Session) Signer(ctx context.Context, keyID string) (*Signer, error) {
	if s.client == nil {
		return nil, xerrors.WithKind(xerrors.New("awskms: client is not configured"), signature.ErrProvider)
	}
	sg := &Signer{client: s.client, keyID: keyID, timeout: s.timeout}
	if err := sg.Refresh(ctx); err != nil {
		return nil, err
	}
	return sg, nil
}

// Refresh re-reads the public key from KMS.
func (s *Signer) Refresh(ctx context.Context) error {
	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(s.keyID)})
	if err != nil {
		return xerrors.WithKind(xerrors.Wrapf(err, "awskms: get public key %s", s.keyID), signature.ErrProvider)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return xerrors.Kindf(signature.ErrKeyInvalid, "awskms: key %s has KeyUsage=%s, expected SIGN_VERIFY", s.keyID, out.KeyUsage)
	}
	spec, ok := specFor(out.KeySpec)
	if !ok {
		return xerrors.Kindf(signature.ErrKeyInvalid, "awskms: key %s has unsupported KeySpec %s", s.keyID, out.KeySpec)
	}
	alg, point, err := pkcs8.ParsePublicKeyInfo(out.PublicKey)
	if err != nil {
		return xerrors.Wrapf(err, "awskms: parse public key %s", s.keyID)
	}
	if alg != spec.alg {
		return xerrors.Kindf(signature.ErrKeyInvalid, "awskms: key %s public key is %s but KeySpec is %s", s.keyID, alg, out.KeySpec)
	}
	v, err := verifierFor(alg, point)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.spec, s.verifier = spec, v
	s.mu.Unlock()
	return nil
}

func (s *Signer) current() (keySpec, digestVerifier) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec, s.verifier
}

// KeyID is the identifier the signer was created with.
func (s *Signer) KeyID() string { return s.keyID }

func (s *Signer) Algorithm() signature.Algorithm {
	spec, _ := s.current()
	return spec.alg
}

// PublicKey returns the compressed SEC1 point.
func (s *Signer) PublicKey() []byte {
	_, v := s.current()
	return v.Compressed()
}

// Sign is SignContext bounded by the session timeout.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.SignContext(ctx, msg)
}

// SignContext hashes msg, asks KMS to sign the digest and returns a
// low-S fixed-width signature. The result is checked against the
// cached public key before it is returned.
func (s *Signer) SignContext(ctx context.Context, msg []byte) ([]byte, error) {
	spec, v := s.current()
	digest := spec.digest(msg)
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: spec.signing,
	})
	if err != nil {
		return nil, xerrors.WithKind(xerrors.Wrapf(err, "awskms: sign with %s", s.keyID), signature.ErrProvider)
	}
	n, _ := ecdsautil.Order(spec.alg)
	fixed, err := ecdsautil.ASN1ToFixed(out.Signature, ecdsautil.ScalarSize(spec.alg))
	if err == nil {
		fixed, err = ecdsautil.NormalizeS(fixed, n)
	}
	if err != nil {
		return nil, xerrors.WithKind(xerrors.Wrapf(err, "awskms: decode signature from %s", s.keyID), signature.ErrProvider)
	}
	if err := v.VerifyDigest(digest, fixed); err != nil {
		return nil, xerrors.WithKind(xerrors.Wrapf(err, "awskms: signature from %s does not match cached public key", s.keyID), signature.ErrProvider)
	}
	return fixed, nil
}
