package securestore

import (
	"context"
	"errors"
)

// Store is the secure key-value boundary backing session continuity data.
//
// Rules:
// - Values are opaque bytes; callers own the serialization.
// - Implementations encrypt values at rest (the in-memory store, used only
//   in tests, is the exception).
// - A missing key is not an error: Get returns ok=false.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ErrCorrupt indicates a stored value failed authenticated decryption.
// Callers should treat the entry as absent and overwrite it.
var ErrCorrupt = errors.New("securestore: value corrupt or tampered")
