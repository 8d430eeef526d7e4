package cas

import (
	"context"
	"os"
	"path/filepath"

	"github.com/please-build/swarming/src/fs"
)

// dirBackend is a Backend backed by a local directory, grounded on
// tools/http_cache/cache/cache.go's store-under-uri approach (RemoveAll +
// fs.EnsureDir before write) adapted to implement Backend directly instead
// of serving HTTP. Used for tests and local runs that need no network, per
// DESIGN NOTES "Local directory CAS backend".
type dirBackend struct {
	dir string
}

// NewDirBackend returns a Backend that stores blobs as files under dir,
// named by key (which may contain slashes, e.g. "computed/<sig>.txt").
func NewDirBackend(dir string) Backend {
	return &dirBackend{dir: dir}
}

func (d *dirBackend) path(key string) string {
	return filepath.Join(d.dir, filepath.FromSlash(key))
}

func (d *dirBackend) Put(_ context.Context, key string, data []byte) error {
	path := d.path(key)
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := fs.EnsureDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (d *dirBackend) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(d.path(key))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Key: key}
	}
	return b, err
}

func (d *dirBackend) Exists(_ context.Context, keys []string) ([]string, error) {
	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		if !fs.FileExists(d.path(key)) {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

func (d *dirBackend) Name() string { return "dir:" + d.dir }
