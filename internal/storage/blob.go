package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore holds response bodies as write-once files addressed by an opaque
// id. Writes are all-or-nothing: bytes land in a temp file first and are
// renamed into place, so a partially written blob is never observable.
type BlobStore struct {
	dir string
}

// NewBlobStore roots the blob store at dir/responses.
func NewBlobStore(dir string) (*BlobStore, error) {
	base := filepath.Join(dir, "responses")
	if err := os.MkdirAll(base, secureDirMode); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &BlobStore{dir: base}, nil
}

// Path returns the file path a blob id resolves to.
func (b *BlobStore) Path(id string) string {
	return filepath.Join(b.dir, id)
}

// Write stores data under id and returns the blob's path.
func (b *BlobStore) Write(id string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(b.dir, id+".tmp*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	dst := b.Path(id)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(dst, secureFileMode); err != nil {
		return "", err
	}
	return dst, nil
}

// Read returns a blob's bytes.
func (b *BlobStore) Read(id string) ([]byte, error) {
	return os.ReadFile(b.Path(id))
}

// Copy duplicates a blob to an arbitrary destination path.
func (b *BlobStore) Copy(id, destination string) error {
	src, err := os.Open(b.Path(id))
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(destination)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (b *BlobStore) Delete(id string) error {
	err := os.Remove(b.Path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
