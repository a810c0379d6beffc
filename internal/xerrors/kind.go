package xerrors

import (
	"errors"
	"fmt"
)

// kinded pairs an error with a sentinel. Error() reports only the
// underlying error so messages do not repeat the sentinel text.
type kinded struct {
	err  error
	kind error
}

func (k *kinded) Error() string     { return k.err.Error() }
func (k *kinded) Unwrap() []error   { return []error{k.err, k.kind} }
func (k *kinded) Kind() error       { return k.kind }
func (k *kinded) IsXerrorsWrapper() {}

// WithKind marks err so that errors.Is(result, kind) holds.
// If err already matches kind it is returned unchanged.
func WithKind(err, kind error) error {
	if err == nil {
		return nil
	}
	if kind == nil || errors.Is(err, kind) {
		return err
	}
	return &kinded{err: err, kind: kind}
}

// Kindf builds a stacked error that matches kind.
func Kindf(kind error, format string, args ...any) error {
	return WithKind(withStackSkip(fmt.Errorf(format, args...), 2), kind)
}

// KindOf returns the outermost kind attached with WithKind, or nil.
func KindOf(err error) error {
	var k interface{ Kind() error }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return nil
}
