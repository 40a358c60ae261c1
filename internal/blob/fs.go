package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"demeter.dev/internal/ids"
)

var _ Store = (*FSStore)(nil)

// FSStore keeps blobs on the local filesystem, sharded by the first two
// characters of the id to keep directories small.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("blob: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	id := ids.New()
	ref := id[:2] + "/" + id + extensionFor(contentType)
	path := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(ref)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, ref string) error {
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(ref)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
