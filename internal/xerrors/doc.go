// Package xerrors attaches call-site information to errors without
// changing how they compare. Wrap records a single program counter,
// New and WithStack record a full stack, and WithKind tags an error
// with a sentinel so callers can branch on errors.Is while the
// original message stays intact.
//
// internal/log walks these wrappers to emit error chains and
// stack traces.
package xerrors
