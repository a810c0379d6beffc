//go:build windows

package keystore

import "io/fs"

// NTFS ACLs are not modelled by fs.FileMode.
func restrictDir(string) error { return nil }

func checkDirMode(string, fs.FileInfo) error { return nil }
