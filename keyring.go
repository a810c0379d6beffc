package signatory

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/signatory/internal/xerrors"
	"github.com/keithlinneman/signatory/keystore"
	"github.com/keithlinneman/signatory/pkcs8"
	"github.com/keithlinneman/signatory/signature"
)

// Source records where a key in a KeyRing came from.
type Source string

const (
	SourceUnknown  Source = "unknown"
	SourcePKCS8    Source = "pkcs8"
	SourceKeyStore Source = "keystore"
	SourceProvider Source = "provider"
)

// KeyInfo describes a key without exposing the signer.
type KeyInfo struct {
	Label     string              `json:"label"`
	Algorithm signature.Algorithm `json:"algorithm"`
	PublicKey []byte              `json:"public_key"`
	Source    Source              `json:"source"`
	AddedAt   time.Time           `json:"added_at"`
}

type entry struct {
	info   KeyInfo
	signer signature.Signer
}

type ringState struct {
	byLabel map[string]*entry
}

// KeyRing maps labels to signers. Reads are lock free against an
// immutable snapshot; writers copy the snapshot under a mutex.
type KeyRing struct {
	mu    sync.Mutex
	state atomic.Pointer[ringState]
}

func NewKeyRing() *KeyRing {
	r := &KeyRing{}
	r.state.Store(&ringState{byLabel: map[string]*entry{}})
	return r
}

func (r *KeyRing) load() *ringState { return r.state.Load() }

// update runs fn on a copy of the current state and publishes it if fn
// succeeds.
func (r *KeyRing) update(fn func(next map[string]*entry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.load()
	next := make(map[string]*entry, len(cur.byLabel)+1)
	for k, v := range cur.byLabel {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	r.state.Store(&ringState{byLabel: next})
	return nil
}

func (r *KeyRing) add(label string, s signature.Signer, src Source) (KeyInfo, error) {
	if _, err := keystore.ParseLabel(label); err != nil {
		return KeyInfo{}, err
	}
	info := KeyInfo{
		Label:     label,
		Algorithm: s.Algorithm(),
		PublicKey: bytes.Clone(s.PublicKey()),
		Source:    src,
		AddedAt:   time.Now().UTC(),
	}
	err := r.update(func(next map[string]*entry) error {
		if _, ok := next[label]; ok {
			return xerrors.WithKind(xerrors.Newf("signatory: label %q already in key ring", label), ErrKeyExists)
		}
		for _, e := range next {
			if e.info.Algorithm == info.Algorithm && bytes.Equal(e.info.PublicKey, info.PublicKey) {
				return xerrors.WithKind(xerrors.Newf("signatory: key for %q is already loaded as %q", label, e.info.Label), ErrKeyExists)
			}
		}
		next[label] = &entry{info: info, signer: s}
		return nil
	})
	if err != nil {
		return KeyInfo{}, err
	}
	return info, nil
}

// ImportPKCS8 builds a signer for doc and adds it under label. The
// document is not retained and may be zeroized by the caller.
func (r *KeyRing) ImportPKCS8(label string, doc *pkcs8.Document) (KeyInfo, error) {
	s, err := SignerFromPKCS8(doc)
	if err != nil {
		return KeyInfo{}, xerrors.Wrapf(err, "signatory: import %q", label)
	}
	return r.add(label, s, SourcePKCS8)
}

// Add registers an externally constructed signer, such as one backed by
// a KMS.
func (r *KeyRing) Add(label string, s signature.Signer) (KeyInfo, error) {
	if s == nil {
		return KeyInfo{}, xerrors.Kindf(ErrKeyInvalid, "signatory: nil signer for %q", label)
	}
	return r.add(label, s, SourceProvider)
}

// Get returns the signer and its description.
func (r *KeyRing) Get(label string) (signature.Signer, KeyInfo, error) {
	e, ok := r.load().byLabel[label]
	if !ok {
		return nil, KeyInfo{}, xerrors.WithKind(xerrors.Newf("signatory: no key %q", label), ErrKeyNotFound)
	}
	return e.signer, e.info, nil
}

// Info is Get without the signer.
func (r *KeyRing) Info(label string) (KeyInfo, error) {
	_, info, err := r.Get(label)
	return info, err
}

// ByPublicKey finds a key by algorithm and encoded public key.
func (r *KeyRing) ByPublicKey(alg signature.Algorithm, publicKey []byte) (KeyInfo, bool) {
	for _, e := range r.load().byLabel {
		if e.info.Algorithm == alg && bytes.Equal(e.info.PublicKey, publicKey) {
			return e.info, true
		}
	}
	return KeyInfo{}, false
}

// Keys lists every key sorted by label.
func (r *KeyRing) Keys() []KeyInfo {
	st := r.load()
	out := make([]KeyInfo, 0, len(st.byLabel))
	for _, e := range st.byLabel {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b KeyInfo) int { return cmp.Compare(a.Label, b.Label) })
	return out
}

func (r *KeyRing) Len() int { return len(r.load().byLabel) }

func (r *KeyRing) Remove(label string) error {
	return r.update(func(next map[string]*entry) error {
		if _, ok := next[label]; !ok {
			return xerrors.WithKind(xerrors.Newf("signatory: no key %q", label), ErrKeyNotFound)
		}
		// the signer is not zeroized: a concurrent Sign may still hold it
		delete(next, label)
		return nil
	})
}

// Sign signs msg with the key under label. Signers that talk to a
// provider receive ctx.
func (r *KeyRing) Sign(ctx context.Context, label string, msg []byte) ([]byte, KeyInfo, error) {
	s, info, err := r.Get(label)
	if err != nil {
		return nil, KeyInfo{}, err
	}
	sig, err := signature.SignWithContext(ctx, s, msg)
	if err != nil {
		return nil, info, xerrors.Wrapf(err, "signatory: sign with %q", label)
	}
	return sig, info, nil
}

// LoadKeyStore imports every key in ks whose label is not yet present.
// Keys that fail to load are skipped and reported in the joined error;
// the returned slice lists what was imported.
func (r *KeyRing) LoadKeyStore(ctx context.Context, ks keystore.KeyStore) ([]KeyInfo, error) {
	labels, err := ks.List(ctx)
	if err != nil {
		return nil, xerrors.WithKind(xerrors.Wrap(err, "signatory: list keystore"), ErrListKeyStore)
	}
	return r.importLabels(ctx, ks, labels)
}

func (r *KeyRing) importLabels(ctx context.Context, ks keystore.KeyStore, labels []keystore.Label) ([]KeyInfo, error) {
	var (
		imported []KeyInfo
		errs     []error
	)
	for _, label := range labels {
		if _, ok := r.load().byLabel[string(label)]; ok {
			continue
		}
		info, err := r.importFrom(ctx, ks, label)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		imported = append(imported, info)
	}
	return imported, errors.Join(errs...)
}

func (r *KeyRing) importFrom(ctx context.Context, ks keystore.KeyStore, label keystore.Label) (KeyInfo, error) {
	doc, err := ks.Load(ctx, label)
	if err != nil {
		return KeyInfo{}, xerrors.Wrapf(err, "signatory: load %q", label)
	}
	defer doc.Zeroize()
	s, err := SignerFromPKCS8(doc)
	if err != nil {
		return KeyInfo{}, xerrors.Wrapf(err, "signatory: import %q", label)
	}
	return r.add(string(label), s, SourceKeyStore)
}

// SyncResult reports the changes made by Sync.
type SyncResult struct {
	Added   []KeyInfo
	Removed []string
}

// Sync brings keystore-sourced keys in line with ks: new labels are
// imported and labels no longer listed are removed. Keys added with
// Add or ImportPKCS8 are left alone.
func (r *KeyRing) Sync(ctx context.Context, ks keystore.KeyStore) (SyncResult, error) {
	var res SyncResult
	labels, err := ks.List(ctx)
	if err != nil {
		return res, xerrors.WithKind(xerrors.Wrap(err, "signatory: list keystore"), ErrListKeyStore)
	}
	listed := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		listed[string(l)] = struct{}{}
	}
	for _, e := range r.load().byLabel {
		if _, ok := listed[e.info.Label]; ok || e.info.Source != SourceKeyStore {
			continue
		}
		if err := r.Remove(e.info.Label); err == nil {
			res.Removed = append(res.Removed, e.info.Label)
		}
	}
	slices.Sort(res.Removed)
	res.Added, err = r.importLabels(ctx, ks, labels)
	return res, err
}
