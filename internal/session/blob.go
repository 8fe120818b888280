package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// BlobStore persists opaque session blobs keyed by source name. Put must
// replace the previous blob atomically: a reader sees either the old or the
// new blob, never a partial write. Get returns (nil, nil) when no blob exists.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// FileBlobStore keeps one JSON file per key in Dir.
type FileBlobStore struct {
	Dir string
}

// NewFileBlobStore returns a file-backed blob store rooted at dir.
func NewFileBlobStore(dir string) *FileBlobStore {
	return &FileBlobStore{Dir: dir}
}

// Get implements BlobStore.
func (f *FileBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "session: read blob %s", key)
	}
	return data, nil
}

// Put implements BlobStore. The blob is written to a temp file in the same
// directory, synced and renamed over the target.
func (f *FileBlobStore) Put(_ context.Context, key string, data []byte) error {
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return eris.Wrapf(err, "session: mkdir %s", f.Dir)
	}

	target := f.path(key)
	tmp, err := os.CreateTemp(f.Dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "session: create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "session: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "session: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "session: close temp file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "session: rename blob")
	}
	return nil
}

// Delete implements BlobStore. Deleting a missing blob is not an error.
func (f *FileBlobStore) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "session: delete blob %s", key)
	}
	return nil
}

var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")

func (f *FileBlobStore) path(key string) string {
	return filepath.Join(f.Dir, keyReplacer.Replace(key)+".json")
}
