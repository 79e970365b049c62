// Package file implements the "files" storage driver the spec names as a
// concrete storages.<name>.type option: a storage.Backend rooted at a plain
// directory tree, one file per (collection, key).
//
// Grounded on the teacher's config loader pattern (config.Load: os.ReadFile,
// a size guard, json.Unmarshal) -- the same read/guard/decode shape, applied
// per-document instead of once at startup, plus the write/remove/list
// counterparts a Backend needs that a read-only config loader does not.
package file

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cocaine-rt/cocained/fserrors"
)

// maxDocumentBytes guards a single document read, mirroring config's whole
// file size guard.
const maxDocumentBytes = 1 << 20

// Backend is a storage.Backend rooted at Dir: Dir/<collection>/<key>.
type Backend struct {
	Dir string
}

// New constructs a Backend rooted at dir, creating it if necessary.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Backend{Dir: dir}, nil
}

func (b *Backend) path(collection, key string) (string, error) {
	if strings.ContainsAny(collection, "/\\") || strings.ContainsAny(key, "/\\") {
		return "", fserrors.New(fserrors.DomainNode, fserrors.CodeResourceError)
	}
	return filepath.Join(b.Dir, collection, key), nil
}

// Read loads one document's raw bytes.
func (b *Backend) Read(_ context.Context, collection, key string) ([]byte, error) {
	p, err := b.path(collection, key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxDocumentBytes {
		return nil, fserrors.New(fserrors.DomainNode, fserrors.CodeResourceError)
	}
	return os.ReadFile(p)
}

// Write stores one document, creating its collection directory on demand.
func (b *Backend) Write(_ context.Context, collection, key string, value []byte) error {
	p, err := b.path(collection, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, value, 0o644)
}

// Remove deletes one document. Removing an absent document is not an error.
func (b *Backend) Remove(_ context.Context, collection, key string) error {
	p, err := b.path(collection, key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns every key currently stored in collection, sorted.
func (b *Backend) List(_ context.Context, collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.Dir, collection))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
