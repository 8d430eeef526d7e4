// Package isolate implements the isolated-tree wire format (§3, §6) and the
// deterministic bundling used to package the bootstrap runner.
package isolate

import (
	"encoding/json"
	"fmt"

	"github.com/please-build/swarming/src/cas"
)

// Version is the isolated format version this client writes and expects.
const Version = "1.4"

// FileEntry describes one file within an isolated tree.
type FileEntry struct {
	Digest cas.Digest `json:"digest"`
	Size   int64      `json:"size"`
	Mode   *int       `json:"mode,omitempty"`
}

// Isolated is the JSON document describing a directory tree (§3): a map of
// relative file name to FileEntry, a set of included sub-trees by digest
// (the transitive closure of "includes" forms the materialized tree), the
// command to run, and the hash algorithm used for every digest it contains.
type Isolated struct {
	Files       map[string]FileEntry `json:"files,omitempty"`
	Includes    []cas.Digest         `json:"includes,omitempty"`
	Command     []string             `json:"command,omitempty"`
	RelativeCwd string               `json:"relative_cwd,omitempty"`
	Version     string               `json:"version"`
	Algo        cas.Algo             `json:"algo"`
}

// NewIsolated returns an empty Isolated tree using algo (cas.DefaultAlgo if
// empty).
func NewIsolated(algo cas.Algo) *Isolated {
	if algo == "" {
		algo = cas.DefaultAlgo
	}
	return &Isolated{
		Files:   map[string]FileEntry{},
		Version: Version,
		Algo:    algo,
	}
}

// Marshal serialises the tree to its canonical JSON form. Map iteration
// order in encoding/json is already sorted by key, so this is deterministic
// given the same contents - a prerequisite for digest stability (§3,
// property 2).
func (t *Isolated) Marshal() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// Validate checks the structural invariants of an isolated tree: every
// entry must have a digest and a non-negative size, and algo must be one of
// the fixed set.
func (t *Isolated) Validate() error {
	if t.Algo != cas.AlgoSHA1 && t.Algo != cas.AlgoSHA256 && t.Algo != cas.AlgoBlake3 {
		return fmt.Errorf("isolated tree: unknown algo %q", t.Algo)
	}
	for name, entry := range t.Files {
		if entry.Digest == "" {
			return fmt.Errorf("isolated tree: file %q has no digest", name)
		}
		if entry.Size < 0 {
			return fmt.Errorf("isolated tree: file %q has negative size %d", name, entry.Size)
		}
		if err := cas.ValidateDigest(entry.Digest, t.Algo); err != nil {
			return fmt.Errorf("isolated tree: file %q: %w", name, err)
		}
	}
	return nil
}

// Unmarshal parses an isolated tree from JSON.
func Unmarshal(data []byte) (*Isolated, error) {
	t := &Isolated{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	if t.Algo == "" {
		t.Algo = cas.DefaultAlgo
	}
	return t, nil
}
