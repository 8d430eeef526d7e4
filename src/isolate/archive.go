package isolate

import (
	"context"
	"os"
	"path/filepath"

	"github.com/please-build/swarming/src/cas"
	"github.com/please-build/swarming/src/fs"
	"github.com/please-build/swarming/src/logging"
)

var log = logging.Log

// Archive walks root, uploads every regular file it finds (deduplicated
// against the CAS per §4.1's algorithm) and returns the digest of the
// resulting Isolated tree, itself also uploaded. Grounded on src/fs.Walk's
// godirwalk-based traversal plus the dedup-upload algorithm in
// src/cas.Client.UploadMissing.
func Archive(ctx context.Context, client *cas.Client, root string) (cas.Digest, error) {
	tree := NewIsolated(client.Algo())
	blobs := map[string][]byte{}
	names := map[string]string{} // digest -> relative path, for logging only

	err := fs.Walk(root, func(name string, isDir bool) error {
		if isDir {
			return nil
		}
		rel, err := filepath.Rel(root, name)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		digest, err := cas.HashBytes(data, client.Algo())
		if err != nil {
			return err
		}
		mode := fileMode(name)
		tree.Files[filepath.ToSlash(rel)] = FileEntry{Digest: digest, Size: int64(len(data)), Mode: mode}
		blobs[string(digest)] = data
		names[string(digest)] = rel
		return nil
	})
	if err != nil {
		return "", err
	}

	if err := client.UploadMissing(ctx, blobs); err != nil {
		return "", err
	}
	log.Debug("Archived %d files from %s", len(tree.Files), root)

	treeBytes, err := tree.Marshal()
	if err != nil {
		return "", err
	}
	digest, err := cas.HashBytes(treeBytes, client.Algo())
	if err != nil {
		return "", err
	}
	if err := client.PutData(ctx, string(digest), treeBytes); err != nil {
		return "", err
	}
	return digest, nil
}

// fileMode returns the Unix executable bit as an int pointer, or nil if the
// file isn't executable (keeps the common case compact in the marshalled
// JSON).
func fileMode(name string) *int {
	info, err := os.Stat(name)
	if err != nil {
		return nil
	}
	if info.Mode()&0111 == 0 {
		return nil
	}
	mode := int(info.Mode().Perm())
	return &mode
}

// Materialize fetches the isolated tree at digest, and the transitive
// closure of its includes, into outDir. Grounded on archive's traversal,
// run in reverse (download instead of upload) - used by the collection
// engine's per-shard output fetch (§4.2.4).
func Materialize(ctx context.Context, client *cas.Client, digest cas.Digest, outDir string) error {
	data, err := client.GetData(ctx, string(digest))
	if err != nil {
		return err
	}
	tree, err := Unmarshal(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, fs.DirPermissions); err != nil {
		return err
	}
	for name, entry := range tree.Files {
		if err := materializeFile(ctx, client, outDir, name, entry); err != nil {
			return err
		}
	}
	for _, include := range tree.Includes {
		if err := Materialize(ctx, client, include, outDir); err != nil {
			return err
		}
	}
	return nil
}

func materializeFile(ctx context.Context, client *cas.Client, outDir, name string, entry FileEntry) error {
	dest := filepath.Join(outDir, filepath.FromSlash(name))
	if err := fs.EnsureDir(dest); err != nil {
		return err
	}
	data, err := client.GetData(ctx, string(entry.Digest))
	if err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if entry.Mode != nil {
		mode = os.FileMode(*entry.Mode)
	}
	return os.WriteFile(dest, data, mode)
}
