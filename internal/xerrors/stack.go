package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }
func (w *withStack) IsXerrorsWrapper()   {}

// skip of 2 drops runtime.Callers and captureStack itself
func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func withStackSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(skip)}
}

func hasStack(err error) bool {
	var hs interface{ StackPCs() []uintptr }
	return errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0
}

// WithStack records the caller's stack on err. Nil stays nil.
func WithStack(err error) error { return withStackSkip(err, 2) }

// EnsureTrace is WithStack unless some error in the chain already
// carries a stack.
func EnsureTrace(err error) error {
	if err == nil || hasStack(err) {
		return err
	}
	return withStackSkip(err, 2)
}

func New(msg string) error             { return withStackSkip(errors.New(msg), 2) }
func Newf(f string, args ...any) error { return withStackSkip(fmt.Errorf(f, args...), 2) }
