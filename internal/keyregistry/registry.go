// Package keyregistry custodies the one public key artifact of each group.
//
// A key is attached exactly once, while the group is being created; there is
// no update path, so participants that already fetched the key never see it
// rotate underneath them. Reads are capability based: anyone holding the group
// id may fetch its key.
package keyregistry

import (
	"context"
	"errors"

	"example.com/groups/internal/domain"
	"example.com/groups/internal/retry"
)

var (
	ErrKeyAlreadySet = errors.New("group key already set")
	ErrKeyCorrupted  = errors.New("stored group key does not match its fingerprint")
)

type KeyReader interface {
	GetKey(ctx context.Context, id string) (key []byte, digest string, err error)
}

type Registry struct {
	store  KeyReader
	policy retry.Policy
}

func New(store KeyReader, policy retry.Policy) *Registry {
	return &Registry{store: store, policy: policy}
}

// SetKey attaches key to a room that has not been persisted yet.
func (r *Registry) SetKey(room *domain.Room, key []byte) error {
	if room.KeyDigest != "" {
		return ErrKeyAlreadySet
	}
	room.PublicKey = append([]byte(nil), key...)
	room.KeyDigest = Fingerprint(room.PublicKey)
	return nil
}

// GetKey returns the key stored for id, or domain.ErrNotFound.
func (r *Registry) GetKey(ctx context.Context, id string) ([]byte, error) {
	type stored struct {
		key    []byte
		digest string
	}
	s, err := retry.Value(ctx, r.policy, "get_key", func(ctx context.Context) (stored, error) {
		k, d, err := r.store.GetKey(ctx, id)
		return stored{k, d}, err
	})
	if err != nil {
		return nil, err
	}
	if !matches(s.key, s.digest) {
		return nil, &domain.StorageError{Op: "get_key", Err: ErrKeyCorrupted}
	}
	return s.key, nil
}
