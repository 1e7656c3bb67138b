// storage/storage.go
//
// Package storage presents an asynchronous get/set/remove interface over
// named keys, protecting values at rest. The Encrypted adapter seals values
// through the crypto package; Plaintext mode is an explicit switch for tests.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/shahidk/noteworthy/crypto"
)

// ErrNotFound reports an absent key.
var ErrNotFound = errors.New("storage: key not found")

// KV is the backing byte-string key-value contract. Implementations must be
// safe for use from multiple goroutines.
type KV interface {
	GetItem(ctx context.Context, key string) (string, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Encrypted wraps a KV, transparently sealing values on write and opening
// them on read.
type Encrypted struct {
	kv        KV
	plaintext bool
}

// NewEncrypted returns the production adapter: everything written through it
// is encrypted at rest.
func NewEncrypted(kv KV) *Encrypted {
	return &Encrypted{kv: kv}
}

// NewPlaintext returns an adapter that bypasses encryption entirely. Intended
// for tests that need deterministic, inspectable stored values; never use it
// for real user data.
func NewPlaintext(kv KV) *Encrypted {
	return &Encrypted{kv: kv, plaintext: true}
}

func (e *Encrypted) SetItem(ctx context.Context, key, value string) error {
	if e.plaintext {
		return e.kv.SetItem(ctx, key, value)
	}
	sealed, err := crypto.Encrypt(value)
	if err != nil {
		return fmt.Errorf("storage: seal %q: %w", key, err)
	}
	return e.kv.SetItem(ctx, key, sealed)
}

// GetItem reads and opens the value under key. A value that cannot be
// decrypted surfaces crypto.ErrDecrypt rather than garbage text.
func (e *Encrypted) GetItem(ctx context.Context, key string) (string, error) {
	raw, err := e.kv.GetItem(ctx, key)
	if err != nil {
		return "", err
	}
	if e.plaintext {
		return raw, nil
	}
	return crypto.Decrypt(raw)
}

func (e *Encrypted) RemoveItem(ctx context.Context, key string) error {
	return e.kv.RemoveItem(ctx, key)
}
