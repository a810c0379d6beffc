//go:build !windows

package keystore

import (
	"io/fs"
	"os"

	"github.com/keithlinneman/signatory/internal/xerrors"
)

func restrictDir(dir string) error { return os.Chmod(dir, DirMode) }

func checkDirMode(path string, fi fs.FileInfo) error {
	if mode := fi.Mode().Perm(); mode != DirMode {
		return xerrors.WithKind(xerrors.Newf("keystore: %s has mode %#o, want %#o", path, mode, DirMode), ErrPermissions)
	}
	return nil
}
