package isolate

import (
	"archive/zip"
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/please-build/swarming/src/cas"
)

// bundleModTime is the fixed modification time stamped on every zip entry
// so repeated invocations with identical inputs produce an identical
// digest, grounded on tools/jarcat/zip/writer.go's determinism trick
// (fixed mod time, sorted entries) but built against the standard
// library's archive/zip rather than the donor's vendored zip writer - the
// determinism technique doesn't need anything archive/zip can't do.
var bundleModTime = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// Bundle is an in-memory zip archive containing the bootstrap runner and
// any auxiliary scripts a task needs on the worker (§3 "Bundle").
type Bundle struct {
	files map[string][]byte
}

// NewBundle returns an empty Bundle.
func NewBundle() *Bundle {
	return &Bundle{files: map[string][]byte{}}
}

// Add adds (or replaces) a file in the bundle.
func (b *Bundle) Add(name string, contents []byte) {
	b.files[name] = contents
}

// Bytes returns the deterministic zip-encoded bundle: entries are written
// in sorted name order with a fixed mod time, so the same file set always
// produces byte-identical output and therefore the same digest.
func (b *Bundle) Bytes() ([]byte, error) {
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.Modified = bundleModTime
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(b.files[name]); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Upload materialises the bundle and uploads it via client, returning its
// digest, per §4.2.1 "A bootstrap bundle ... is zipped in memory ...
// uploaded via CAS".
func (b *Bundle) Upload(ctx context.Context, client *cas.Client) (cas.Digest, error) {
	data, err := b.Bytes()
	if err != nil {
		return "", err
	}
	digest, err := cas.HashBytes(data, client.Algo())
	if err != nil {
		return "", err
	}
	if err := client.PutData(ctx, string(digest), data); err != nil {
		return "", err
	}
	return digest, nil
}

// DefaultBootstrap returns the standard bootstrap bundle: a placeholder
// runner script that exits 0 without fetching the isolated tree, running
// its command or printing an output-location marker, plus a cleanup script
// that removes the scratch working directory named by its argument. These are
// small and fixed, so the same bundle (and therefore digest) is produced on
// every invocation of this binary.
func DefaultBootstrap() *Bundle {
	b := NewBundle()
	b.Add("run_isolated.py", []byte(runIsolatedScript))
	b.Add("cleanup.sh", []byte(cleanupScript))
	return b
}

const runIsolatedScript = `#!/usr/bin/env python3
# Bootstrap runner placeholder: exits 0 without fetching or running anything.
import sys
sys.exit(0)
`

const cleanupScript = `#!/bin/sh
# Removes the scratch directory a worker ran a shard's command in.
rm -rf "$1"
`
