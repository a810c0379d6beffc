// Package signatory is a facade over elliptic curve signing backends.
//
// Keys are held as PKCS#8 documents (package pkcs8) and turned into
// signers by the backend matching their algorithm:
//
//   - ecdsa/secp256k1: ECDSA over secp256k1 (decred secp256k1)
//   - ecdsa/nistp256, ecdsa/nistp384: ECDSA over the NIST curves
//   - ed25519: Ed25519
//   - providers/awskms: ECDSA keys that stay inside AWS KMS
//
// A KeyRing maps labels to signers and can be filled from any
// keystore.KeyStore: a private directory of PEM files, an S3 prefix or
// an SSM parameter path.
package signatory
