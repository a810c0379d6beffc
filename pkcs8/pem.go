package pkcs8

import (
	"encoding/pem"
	"fmt"
	"io/fs"
	"os"

	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/signature"
)

// PEMType is the RFC 7468 label for unencrypted PKCS#8.
const PEMType = "PRIVATE KEY"

// FileMode is the permission used for key files.
const FileMode fs.FileMode = 0o600

// EncodePEM returns the document as a PEM block. The caller owns the
// returned buffer and should clear it when done.
func (d *Document) EncodePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: PEMType, Bytes: d.der})
}

// ErrPEMLabel reports a PEM block that is not labelled PRIVATE KEY.
var ErrPEMLabel = fmt.Errorf("pkcs8: unexpected PEM label: %w", signature.ErrKeyInvalid)

// DecodePEM parses the first PEM block in data, which must be labelled
// PRIVATE KEY.
func DecodePEM(data []byte) (*Document, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, xerrors.WithKind(xerrors.New("pkcs8: no PEM block found"), ErrDecode)
	}
	defer clear(block.Bytes)
	if block.Type != PEMType {
		return nil, xerrors.WithKind(xerrors.Newf("pkcs8: PEM label %q, want %q", block.Type, PEMType), ErrPEMLabel)
	}
	if len(block.Headers) != 0 {
		return nil, xerrors.WithKind(xerrors.New("pkcs8: encrypted or annotated PEM is not supported"), ErrDecode)
	}
	return FromDER(block.Bytes)
}

// ReadPEMFile loads a PEM encoded document from path.
func ReadPEMFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "pkcs8: read %s", path)
	}
	defer clear(data)
	d, err := DecodePEM(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "pkcs8: decode %s", path)
	}
	return d, nil
}

// WritePEMFile writes the document as PEM to a new file with mode 0600.
// It fails with fs.ErrExist if path already exists.
func (d *Document) WritePEMFile(path string) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	if err != nil {
		return xerrors.Wrapf(err, "pkcs8: create %s", path)
	}
	buf := d.EncodePEM()
	defer clear(buf)
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = xerrors.Wrapf(cerr, "pkcs8: close %s", path)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	if _, err = f.Write(buf); err != nil {
		return xerrors.Wrapf(err, "pkcs8: write %s", path)
	}
	if err = f.Sync(); err != nil {
		return xerrors.Wrapf(err, "pkcs8: sync %s", path)
	}
	return nil
}
