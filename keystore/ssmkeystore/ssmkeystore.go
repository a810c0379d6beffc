// Package ssmkeystore keeps PKCS#8 keys as SecureString parameters in
// AWS Systems Manager Parameter Store under {path}/{label}.
package ssmkeystore

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/keystore"
	"github.com/keithlinneman/signatory/pkcs8"
)

// DefaultPath is used when Options.Path is empty.
const DefaultPath = "/signatory/keys"

// API is the subset of *ssm.Client the store uses.
type API interface {
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
	GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

type Options struct {
	// Path is the parameter hierarchy holding the keys.
	Path string

	// KMSKeyID encrypts parameters with this key instead of the
	// account default aws/ssm key.
	KMSKeyID string

	// Client overrides the SSM client built from AWSConfig.
	Client API

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

type Store struct {
	client   API
	path     string
	kmsKeyID string
}

var (
	_ keystore.KeyStore = (*Store)(nil)
	_ keystore.Replacer = (*Store)(nil)
)

func New(ctx context.Context, opts Options) (*Store, error) {
	path := "/" + strings.Trim(opts.Path, "/")
	if path == "/" {
		path = DefaultPath
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
				return nil, xerrors.Wrap(err, "ssmkeystore: load AWS config")
			}
		}
		client = ssm.NewFromConfig(awsCfg)
	}
	return &Store{client: client, path: path, kmsKeyID: opts.KMSKeyID}, nil
}

// Path is the normalised parameter hierarchy.
func (s *Store) Path() string { return s.path }

func (s *Store) name(label keystore.Label) string { return s.path + "/" + string(label) }

func (s *Store) put(ctx context.Context, label keystore.Label, doc *pkcs8.Document, overwrite bool) error {
	if _, err := keystore.ParseLabel(string(label)); err != nil {
		return err
	}
	pem := doc.EncodePEM()
	defer clear(pem)

	in := &ssm.PutParameterInput{
		Name:        aws.String(s.name(label)),
		Value:       aws.String(string(pem)),
		Type:        types.ParameterTypeSecureString,
		Overwrite:   aws.Bool(overwrite),
		Description: aws.String("signatory " + string(doc.Algorithm()) + " key"),
	}
	if s.kmsKeyID != "" {
		in.KeyId = aws.String(s.kmsKeyID)
	}
	if _, err := s.client.PutParameter(ctx, in); err != nil {
		var exists *types.ParameterAlreadyExists
		if errors.As(err, &exists) {
			return xerrors.WithKind(xerrors.Wrapf(err, "ssmkeystore: put %s", s.name(label)), keystore.ErrKeyExists)
		}
		return xerrors.Wrapf(err, "ssmkeystore: put %s", s.name(label))
	}
	return nil
}

func (s *Store) Store(ctx context.Context, label keystore.Label, doc *pkcs8.Document) error {
	return s.put(ctx, label, doc, false)
}

func (s *Store) Replace(ctx context.Context, label keystore.Label, doc *pkcs8.Document) error {
	return s.put(ctx, label, doc, true)
}

func (s *Store) Load(ctx context.Context, label keystore.Label) (*pkcs8.Document, error) {
	if _, err := keystore.ParseLabel(string(label)); err != nil {
		return nil, err
	}
	name := s.name(label)
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return nil, xerrors.WithKind(xerrors.Wrapf(err, "ssmkeystore: get %s", name), keystore.ErrKeyNotFound)
		}
		return nil, xerrors.Wrapf(err, "ssmkeystore: get %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("ssmkeystore: parameter %s has no value", name)
	}
	doc, err := pkcs8.DecodePEM([]byte(*out.Parameter.Value))
	if err != nil {
		return nil, xerrors.Wrapf(err, "ssmkeystore: decode %s", name)
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, label keystore.Label) error {
	if _, err := keystore.ParseLabel(string(label)); err != nil {
		return err
	}
	name := s.name(label)
	if _, err := s.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(name)}); err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return xerrors.WithKind(xerrors.Wrapf(err, "ssmkeystore: delete %s", name), keystore.ErrKeyNotFound)
		}
		return xerrors.Wrapf(err, "ssmkeystore: delete %s", name)
	}
	return nil
}

// List returns the labels directly under the path, sorted. Values are
// not decrypted.
func (s *Store) List(ctx context.Context) ([]keystore.Label, error) {
	p := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(s.path),
		Recursive:      aws.Bool(false),
		WithDecryption: aws.Bool(false),
	})
	var out []keystore.Label
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "ssmkeystore: list %s", s.path)
		}
		for _, param := range page.Parameters {
			name := strings.TrimPrefix(aws.ToString(param.Name), s.path+"/")
			if label, err := keystore.ParseLabel(name); err == nil {
				out = append(out, label)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}
