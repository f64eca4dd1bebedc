package securestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps one sealed file per key under a private directory.
// Writes go through a temp file + rename so readers never observe a
// partially written value.
type FileStore struct {
	dir    string
	sealer *sealer
}

func NewFileStore(dir string, key []byte) (*FileStore, error) {
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, fmt.Errorf("securestore: dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create dir: %w", err)
	}
	return &FileStore{dir: dir, sealer: s}, nil
}

func (f *FileStore) path(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key)) + ".sealed"
	return filepath.Join(f.dir, name)
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	sealed, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("securestore: read %q: %w", key, err)
	}
	plain, err := f.sealer.open(sealed)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, err := f.sealer.seal(value)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("securestore: write %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("securestore: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("securestore: write %q: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("securestore: write %q: %w", key, err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("securestore: write %q: %w", key, err)
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("securestore: delete %q: %w", key, err)
	}
	return nil
}
