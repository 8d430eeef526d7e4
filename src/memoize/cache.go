package memoize

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/please-build/swarming/src/cas"
	"github.com/please-build/swarming/src/fs"
)

// mtime is stamped on every tar entry so the same output tree always
// produces byte-identical archive bytes, mirroring src/cache/http_cache.go's
// determinism trick (fixed mod time, stripped uid/gid).
var mtime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

const nobody = 65534

// computedKey is the CAS key mapping a build signature to the digest of its
// output tree (§3 "Cached Output Record").
func computedKey(signature string) string {
	return "computed/" + signature + ".txt"
}

// objectKey is the CAS key for the packaged output tree itself.
func objectKey(pkg, outHash string) string {
	return "object/" + pkg + "_" + outHash + ".tgz"
}

// Fetch implements the §4.3 "Cache protocol" two-step indirection: look up
// the signature's recorded out_hash, download the packaged output tree,
// verify it re-hashes to out_hash, and extract it into outputDir. ok is
// false on a miss at either step or a failed verification - in every such
// case the caller falls back to recomputation (§4.3 "a mismatch
// invalidates the cache entry and falls back to recomputation").
func Fetch(ctx context.Context, client *cas.Client, pkg, signature, outputDir string) (ok bool, err error) {
	outHash, err := client.GetData(ctx, computedKey(signature))
	if err != nil {
		return false, nil // no prior result recorded; not an error condition
	}
	tgz, err := client.GetData(ctx, objectKey(pkg, string(outHash)))
	if err != nil {
		log.Warning("memoize: signature %s recorded out_hash %s but its object is missing: %s", signature, outHash, err)
		return false, nil
	}
	if err := extractTarGz(tgz, outputDir); err != nil {
		return false, err
	}
	rehash, err := hashTree(outputDir)
	if err != nil {
		return false, err
	}
	if rehash != string(outHash) {
		log.Warning("memoize: cached output for signature %s failed re-hash (want %s, got %s); invalidating", signature, outHash, rehash)
		os.RemoveAll(outputDir)
		return false, nil
	}
	return true, nil
}

// Publish implements §4.3 "Publication": after a successful fresh run,
// compute the output tree's hash and check whether the cache already has a
// result under that hash. If it does, the just-computed output is replaced
// by the cached copy so outputs are bit-identical across machines - a
// design goal, not just an optimisation. Otherwise the tree is uploaded.
// Either way, computed/<signature>.txt is written last so a concurrent
// reader never observes a recorded signature whose object is missing. A
// failed publish is logged, not returned: per §4.3 "Failure semantics",
// the computation itself already succeeded.
func Publish(ctx context.Context, client *cas.Client, pkg, signature, outputDir string) {
	outHash, err := hashTree(outputDir)
	if err != nil {
		log.Error("memoize: failed to hash output tree for %s: %s", pkg, err)
		return
	}
	key := objectKey(pkg, outHash)
	if existing, err := client.GetData(ctx, key); err == nil {
		if err := extractTarGz(existing, outputDir); err != nil {
			log.Error("memoize: failed to reconcile output for %s against its cached copy: %s", pkg, err)
			return
		}
	} else {
		tgz, err := tarGzDir(outputDir)
		if err != nil {
			log.Error("memoize: failed to package output tree for %s: %s", pkg, err)
			return
		}
		if err := client.PutData(ctx, key, tgz); err != nil {
			log.Error("memoize: failed to publish output tree for %s: %s", pkg, err)
			return
		}
	}
	if err := client.PutData(ctx, computedKey(signature), []byte(outHash)); err != nil {
		log.Error("memoize: failed to record build signature %s: %s", signature, err)
	}
}

// tarGzDir packages dir into a deterministic tar.gz, entries in sorted
// path order with fixed ownership and timestamps, grounded on
// src/cache/http_cache.go's store() pipeline.
func tarGzDir(dir string) ([]byte, error) {
	var names []string
	if err := fs.Walk(dir, func(name string, isDir bool) error {
		names = append(names, name)
		return nil
	}); err != nil {
		return nil, err
	}
	names = fs.SortPaths(names)

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	for _, name := range names {
		if err := writeTarEntry(tw, dir, name); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeTarEntry(tw *tar.Writer, root, name string) error {
	info, err := os.Lstat(name)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return err
	}
	target := ""
	if info.Mode()&os.ModeSymlink != 0 {
		if target, err = os.Readlink(name); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, target)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.ModTime, hdr.AccessTime, hdr.ChangeTime = mtime, mtime, mtime
	hdr.Uid, hdr.Gid = nobody, nobody
	hdr.Uname, hdr.Gname = "nobody", "nobody"
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if info.IsDir() || target != "" {
		return nil
	}
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// extractTarGz replaces outDir's contents with the tar.gz archive in data.
func extractTarGz(data []byte, outDir string) error {
	if err := os.RemoveAll(outDir); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(outDir, fs.DirPermissions); err != nil {
		return err
	}
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer gzr.Close()
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dest := filepath.Join(outDir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, fs.DirPermissions); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := fs.EnsureDir(dest); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return err
			}
		default:
			if err := extractTarFile(tr, dest, hdr.Mode); err != nil {
				return err
			}
		}
	}
}

func extractTarFile(tr *tar.Reader, dest string, mode int64) error {
	if err := fs.EnsureDir(dest); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, tr)
	return err
}

// hashTree computes the "out_hash" a build signature is recorded against
// (§3 "Cached Output Record"): a stable digest over every file's relative
// path, mode and contents, walked in sorted order.
func hashTree(dir string) (string, error) {
	var names []string
	if err := fs.Walk(dir, func(name string, isDir bool) error {
		names = append(names, name)
		return nil
	}); err != nil {
		return "", err
	}
	names = fs.SortPaths(names)

	h := sha1.New()
	for _, name := range names {
		if err := hashTreeEntry(h, dir, name); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashTreeEntry(h io.Writer, root, name string) error {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return err
	}
	info, err := os.Lstat(name)
	if err != nil {
		return err
	}
	if info.IsDir() {
		// Directories contribute only their path: extractTarGz does not
		// restore directory permissions, so their mode is not part of the hash.
		_, err = fmt.Fprintf(h, "%s/\n", filepath.ToSlash(rel))
		return err
	}
	fmt.Fprintf(h, "%s:%o\n", filepath.ToSlash(rel), info.Mode().Perm())
	if info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(name)
		if err != nil {
			return err
		}
		_, err = io.WriteString(h, dest)
		return err
	}
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	return err
}
