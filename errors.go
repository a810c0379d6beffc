package signatory

import (
	"errors"

	"github.com/keithlinneman/signatory/keystore"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

// Errors from the backend packages, re-exported so callers of the
// facade need only one import for errors.Is checks.
var (
	ErrNotADirectory = keystore.ErrNotADirectory
	ErrPermissions   = keystore.ErrPermissions
	ErrKeyNotFound   = keystore.ErrKeyNotFound
	ErrKeyExists     = keystore.ErrKeyExists
	ErrInvalidLabel  = keystore.ErrInvalidLabel

	ErrDecode   = pkcs8.ErrDecode
	ErrPEMLabel = pkcs8.ErrPEMLabel

	ErrInvalidSignature     = signature.ErrInvalid
	ErrUnsupportedAlgorithm = signature.ErrUnsupportedAlgorithm
	ErrKeyInvalid           = signature.ErrKeyInvalid
	ErrProvider             = signature.ErrProvider
)

// ErrListKeyStore marks a LoadKeyStore or Sync that could not list the
// store at all, as opposed to individual keys failing to import.
var ErrListKeyStore = errors.New("signatory: key store listing failed")
