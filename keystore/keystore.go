// Package keystore persists PKCS#8 private keys by label. FsKeyStore
// keeps one PEM file per key in a private directory; the s3keystore and
// ssmkeystore subpackages implement the same KeyStore interface on AWS.
package keystore

import (
	"context"
	"errors"

	"github.com/keithlinneman/signatory/pkcs8"
)

var (
	ErrNotADirectory = errors.New("keystore: not a directory")
	ErrPermissions   = errors.New("keystore: insecure permissions")
	ErrKeyNotFound   = errors.New("keystore: key not found")
	ErrKeyExists     = errors.New("keystore: key already exists")
	ErrInvalidLabel  = errors.New("keystore: invalid label")
)

// KeyStore is implemented by every backend. Store never overwrites an
// existing key.
type KeyStore interface {
	Store(ctx context.Context, label Label, doc *pkcs8.Document) error
	Load(ctx context.Context, label Label) (*pkcs8.Document, error)
	Delete(ctx context.Context, label Label) error
	List(ctx context.Context) ([]Label, error)
}

// Replacer is implemented by backends that can overwrite a key in place.
type Replacer interface {
	Replace(ctx context.Context, label Label, doc *pkcs8.Document) error
}
