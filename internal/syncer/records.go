package syncer

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/hybridmount/hybridmount/internal/fsops"
)

// recordsDir holds one fingerprint file per staged module. It lives
// inside the storage area so a lost storage backend loses the records
// with it and everything re-stages from scratch.
const recordsDir = ".records"

// recordStore persists fingerprints between runs.
type recordStore struct {
	fs   fsops.FS
	root string
}

func newRecordStore(f fsops.FS, storageRoot string) *recordStore {
	return &recordStore{fs: f, root: filepath.Join(storageRoot, recordsDir)}
}

func (r *recordStore) path(id string) string {
	return filepath.Join(r.root, id)
}

// Load returns the recorded fingerprint, or "" when none exists.
func (r *recordStore) Load(id string) (string, error) {
	data, err := r.fs.ReadFile(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *recordStore) Save(id, fingerprint string) error {
	if err := r.fs.MkdirAll(r.root, 0o755); err != nil {
		return err
	}
	return r.fs.AtomicWrite(r.path(id), []byte(fingerprint+"\n"), 0o644)
}

func (r *recordStore) Delete(id string) error {
	err := r.fs.Remove(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List returns the ids of all recorded modules.
func (r *recordStore) List() ([]string, error) {
	entries, err := r.fs.ReadDir(r.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
