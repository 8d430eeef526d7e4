package cas

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// A Digest is the fixed-length hex string that keys a blob in CAS. Equality
// of digest implies equality of content; it is opaque to everything except
// this package.
type Digest string

// String implements fmt.Stringer.
func (d Digest) String() string { return string(d) }

// Algo names one of the hash functions an isolated file may declare via its
// "algo" field.
type Algo string

// The fixed set of supported hash algorithms, matching the isolated file
// format's "algo" field (§3, §6).
const (
	AlgoSHA1   Algo = "sha-1"
	AlgoSHA256 Algo = "sha-256"
	AlgoBlake3 Algo = "blake3"
)

// DefaultAlgo is used when a caller doesn't specify one; chosen to match
// the isolated-file examples in §6 and the filesystem path hasher this
// module already uses for local caching (src/fs.PathHasher), avoiding
// needless cross-algorithm reconciliation.
const DefaultAlgo = AlgoSHA1

// newHash returns a fresh hash.Hash for algo, or an error if algo isn't one
// of the fixed set.
func newHash(algo Algo) (hash.Hash, error) {
	switch algo {
	case AlgoSHA1, "":
		return sha1.New(), nil
	case AlgoSHA256:
		return sha256.New(), nil
	case AlgoBlake3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", algo)
	}
}

// HashBytes computes the digest of b under algo.
func HashBytes(b []byte, algo Algo) (Digest, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	h.Write(b)
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// HashReader computes the digest of everything read from r under algo.
func HashReader(r io.Reader, algo Algo) (Digest, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// ValidateDigest checks that d looks like a hex digest produced by algo; it
// does not (cannot) verify the digest actually matches any content.
func ValidateDigest(d Digest, algo Algo) error {
	h, err := newHash(algo)
	if err != nil {
		return err
	}
	wantLen := h.Size() * 2
	if len(d) != wantLen {
		return fmt.Errorf("invalid %s digest %q: want %d hex characters, got %d", algo, d, wantLen, len(d))
	}
	if _, err := hex.DecodeString(string(d)); err != nil {
		return fmt.Errorf("invalid %s digest %q: %s", algo, d, err)
	}
	return nil
}
