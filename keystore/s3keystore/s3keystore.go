// Package s3keystore keeps PKCS#8 keys as PEM objects in an S3 bucket,
// one object per label at {prefix}/{label}.pem.
package s3keystore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/keystore"
	"github.com/keithlinneman/signatory/pkcs8"
)

// maxObjectSize bounds a key object; PEM keys are well under 4 KiB.
const maxObjectSize = 64 << 10

// API is the subset of *s3.Client the store uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Options struct {
	Bucket string
	Prefix string

	// KMSKeyID enables SSE-KMS with this key when set.
	KMSKeyID string

	// Client overrides the S3 client built from AWSConfig.
	Client API

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

type Store struct {
	client   API
	bucket   string
	prefix   string
	kmsKeyID string
}

var (
	_ keystore.KeyStore = (*Store)(nil)
	_ keystore.Replacer = (*Store)(nil)
)

// New validates opts and builds the client if one was not supplied.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("s3keystore: Bucket is required")
	}
	client := opts.Client
	if client == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "s3keystore: load AWS config")
			}
		}
		client = s3.NewFromConfig(awsCfg)
	}
	return &Store{
		client:   client,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		kmsKeyID: opts.KMSKeyID,
	}, nil
}

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *Store) key(label keystore.Label) string {
	return s.listPrefix() + string(label) + ".pem"
}

func (s *Store) put(ctx context.Context, label keystore.Label, doc *pkcs8.Document, exclusive bool) error {
	if _, err := keystore.ParseLabel(string(label)); err != nil {
		return err
	}
	body := doc.EncodePEM()
	defer clear(body)

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(label)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-pem-file"),
	}
	if exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if s.kmsKeyID != "" {
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		in.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if exclusive && isCode(err, "PreconditionFailed", "ConditionalRequestConflict") {
			return xerrors.WithKind(xerrors.Wrapf(err, "s3keystore: put s3://%s/%s", s.bucket, s.key(label)), keystore.ErrKeyExists)
		}
		return xerrors.Wrapf(err, "s3keystore: put s3://%s/%s", s.bucket, s.key(label))
	}
	return nil
}

// Store uploads the key only if no object exists under its name.
func (s *Store) Store(ctx context.Context, label keystore.Label, doc *pkcs8.Document) error {
	return s.put(ctx, label, doc, true)
}

func (s *Store) Replace(ctx context.Context, label keystore.Label, doc *pkcs8.Document) error {
	return s.put(ctx, label, doc, false)
}

func (s *Store) Load(ctx context.Context, label keystore.Label) (*pkcs8.Document, error) {
	if _, err := keystore.ParseLabel(string(label)); err != nil {
		return nil, err
	}
	key := s.key(label)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, xerrors.WithKind(xerrors.Wrapf(err, "s3keystore: get s3://%s/%s", s.bucket, key), keystore.ErrKeyNotFound)
		}
		return nil, xerrors.Wrapf(err, "s3keystore: get s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "s3keystore: read s3://%s/%s", s.bucket, key)
	}
	defer clear(data)
	if len(data) > maxObjectSize {
		return nil, xerrors.Newf("s3keystore: s3://%s/%s exceeds %d bytes", s.bucket, key, maxObjectSize)
	}
	doc, err := pkcs8.DecodePEM(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "s3keystore: decode s3://%s/%s", s.bucket, key)
	}
	return doc, nil
}

// Delete removes the object. S3 deletes are idempotent, so the object
// is checked first to report missing keys.
func (s *Store) Delete(ctx context.Context, label keystore.Label) error {
	if _, err := keystore.ParseLabel(string(label)); err != nil {
		return err
	}
	key := s.key(label)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return xerrors.WithKind(xerrors.Wrapf(err, "s3keystore: head s3://%s/%s", s.bucket, key), keystore.ErrKeyNotFound)
		}
		return xerrors.Wrapf(err, "s3keystore: head s3://%s/%s", s.bucket, key)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return xerrors.Wrapf(err, "s3keystore: delete s3://%s/%s", s.bucket, key)
	}
	return nil
}

// List pages through the prefix and returns valid labels, sorted.
// Objects in nested "directories" are ignored.
func (s *Store) List(ctx context.Context) ([]keystore.Label, error) {
	prefix := s.listPrefix()
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var out []keystore.Label
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "s3keystore: list s3://%s/%s", s.bucket, prefix)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			name, ok := strings.CutSuffix(name, ".pem")
			if !ok {
				continue
			}
			if label, err := keystore.ParseLabel(name); err == nil {
				out = append(out, label)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf) || isCode(err, "NoSuchKey", "NotFound")
}

func isCode(err error, codes ...string) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	return slices.Contains(codes, ae.ErrorCode())
}
