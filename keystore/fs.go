package keystore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/pkcs8"
)

const (
	// DirMode is required on the keystore directory.
	DirMode fs.FileMode = 0o700

	fileExt = ".pem"
)

// FsKeyStore stores each key as <dir>/<label>.pem.
type FsKeyStore struct {
	dir string
}

var (
	_ KeyStore = (*FsKeyStore)(nil)
	_ Replacer = (*FsKeyStore)(nil)
)

// Create makes dir (and parents) if needed, tightens its mode to 0700
// and opens it.
func Create(dir string) (*FsKeyStore, error) {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, xerrors.Wrapf(err, "keystore: create %s", dir)
	}
	if err := restrictDir(dir); err != nil {
		return nil, xerrors.Wrapf(err, "keystore: chmod %s", dir)
	}
	return Open(dir)
}

// Open resolves dir and checks it is a directory only its owner can use.
func Open(dir string) (*FsKeyStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "keystore: resolve %s", dir)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, xerrors.Wrapf(err, "keystore: resolve %s", dir)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, xerrors.Wrapf(err, "keystore: stat %s", abs)
	}
	if !fi.IsDir() {
		return nil, xerrors.WithKind(xerrors.Newf("keystore: %s is not a directory", abs), ErrNotADirectory)
	}
	if err := checkDirMode(abs, fi); err != nil {
		return nil, err
	}
	return &FsKeyStore{dir: abs}, nil
}

// Dir is the canonical path of the store.
func (s *FsKeyStore) Dir() string { return s.dir }

func (s *FsKeyStore) path(label Label) string {
	return filepath.Join(s.dir, string(label)+fileExt)
}

func validate(label Label) error {
	_, err := ParseLabel(string(label))
	return err
}

func (s *FsKeyStore) Store(ctx context.Context, label Label, doc *pkcs8.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(label); err != nil {
		return err
	}
	err := doc.WritePEMFile(s.path(label))
	if errors.Is(err, fs.ErrExist) {
		return xerrors.WithKind(err, ErrKeyExists)
	}
	return err
}

// Replace writes the key to a temporary file and renames it over any
// existing key.
func (s *FsKeyStore) Replace(ctx context.Context, label Label, doc *pkcs8.Document) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(label); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, ".replace-*")
	if err != nil {
		return xerrors.Wrap(err, "keystore: temp file")
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if err = f.Chmod(pkcs8.FileMode); err != nil {
		_ = f.Close()
		return xerrors.Wrap(err, "keystore: chmod temp file")
	}
	buf := doc.EncodePEM()
	defer clear(buf)
	if _, err = f.Write(buf); err != nil {
		_ = f.Close()
		return xerrors.Wrap(err, "keystore: write temp file")
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return xerrors.Wrap(err, "keystore: sync temp file")
	}
	if err = f.Close(); err != nil {
		return xerrors.Wrap(err, "keystore: close temp file")
	}
	if err = os.Rename(tmp, s.path(label)); err != nil {
		return xerrors.Wrapf(err, "keystore: replace %s", label)
	}
	return nil
}

func (s *FsKeyStore) Load(ctx context.Context, label Label) (*pkcs8.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(label); err != nil {
		return nil, err
	}
	doc, err := pkcs8.ReadPEMFile(s.path(label))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.WithKind(err, ErrKeyNotFound)
	}
	return doc, err
}

func (s *FsKeyStore) Delete(ctx context.Context, label Label) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(label); err != nil {
		return err
	}
	err := os.Remove(s.path(label))
	if errors.Is(err, fs.ErrNotExist) {
		return xerrors.WithKind(xerrors.Wrapf(err, "keystore: delete %s", label), ErrKeyNotFound)
	}
	return xerrors.Wrapf(err, "keystore: delete %s", label)
}

// List returns the labels of every regular .pem file, sorted.
func (s *FsKeyStore) List(ctx context.Context) ([]Label, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "keystore: list %s", s.dir)
	}
	out := make([]Label, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), fileExt)
		if !ok {
			continue
		}
		label, err := ParseLabel(name)
		if err != nil {
			continue
		}
		out = append(out, label)
	}
	slices.Sort(out)
	return out, nil
}
