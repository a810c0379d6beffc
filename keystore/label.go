package keystore

import (
	"github.com/keithlinneman/signatory/internal/xerrors"
)

// MaxLabelLen bounds labels so they fit in file names, S3 keys and SSM
// parameter names alike.
const MaxLabelLen = 128

// Label names a key. Valid labels are 1 to 128 characters from
// [A-Za-z0-9._-] and do not start with a dot.
type Label string

func (l Label) String() string { return string(l) }

// ParseLabel validates s.
func ParseLabel(s string) (Label, error) {
	if s == "" {
		return "", xerrors.WithKind(xerrors.New("keystore: empty label"), ErrInvalidLabel)
	}
	if len(s) > MaxLabelLen {
		return "", xerrors.WithKind(xerrors.Newf("keystore: label is %d bytes, max %d", len(s), MaxLabelLen), ErrInvalidLabel)
	}
	if s[0] == '.' {
		return "", xerrors.WithKind(xerrors.Newf("keystore: label %q starts with a dot", s), ErrInvalidLabel)
	}
	for i := 0; i < len(s); i++ {
		if !labelByte(s[i]) {
			return "", xerrors.WithKind(xerrors.Newf("keystore: label %q has invalid byte at %d", s, i), ErrInvalidLabel)
		}
	}
	return Label(s), nil
}

func labelByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}
