// Package storage defines the blob store collaborator that owns recording
// bytes once the server has acknowledged them. The pipeline treats it as an
// opaque durable key-value store; the filesystem implementation here is the
// default for single-node deployments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// BlobStore persists opaque byte payloads under caller-chosen keys.
// Implementations must make Put durable before returning: the ingestion
// endpoint acknowledges an upload only after Put succeeds, and the device
// purges its local copy on that acknowledgement.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ErrBlobNotFound is returned by Get when no blob exists under the key.
var ErrBlobNotFound = errors.New("blob not found")

// FSStore is a BlobStore over a local directory. Writes go to a temp file
// first and are fsynced before the rename, so a crash mid-write cannot leave
// a truncated blob under a valid key.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns a store over it.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes data under key, replacing any existing blob atomically.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := filepath.Join(s.root, filepath.Base(key))

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Get reads the blob stored under key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.Base(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return data, nil
}
