// Package memoize implements the Memoization Engine (§4.3): it keys an
// expensive, deterministic computation by a stable signature of its
// package name, named inputs and commands, and reuses a prior result from
// CAS instead of re-running the commands when one already exists there.
package memoize

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/please-build/swarming/src/fs"
	"github.com/please-build/swarming/src/logging"
)

var log = logging.Log

// Inputs maps a named input - referenced by commands via %(name)s
// substitution, §4.3 "Substitution" - to its path on disk.
type Inputs map[string]string

var (
	systemSummaryOnce  sync.Once
	systemSummaryValue string
)

// SystemSummary returns the platform fingerprint folded into every build
// signature: the host's platform identifier and kernel architecture, plus
// the version output of compilerCmd (e.g. "gcc -v"). Cached per process
// since it shells out for the compiler's version string (§4.3 "The
// signature's system_summary is cached per process"). Per §9 "Version
// string in system summary", this is deliberately host-specific so a
// cached output is tied to the toolchain that produced it.
func SystemSummary(compilerCmd string) string {
	systemSummaryOnce.Do(func() {
		systemSummaryValue = computeSystemSummary(compilerCmd)
	})
	return systemSummaryValue
}

func computeSystemSummary(compilerCmd string) string {
	platform, arch := "unknown", "unknown"
	if info, err := host.Info(); err != nil {
		log.Warning("memoize: failed to read host platform info: %s", err)
	} else {
		platform = info.Platform + "-" + info.PlatformVersion
		arch = info.KernelArch
	}
	version, err := compilerVersionString(compilerCmd)
	if err != nil {
		log.Warning("memoize: failed to determine compiler version for system summary: %s", err)
	}
	return strings.Join([]string{platform, arch, version}, "|")
}

func compilerVersionString(compilerCmd string) (string, error) {
	if compilerCmd == "" {
		return "", nil
	}
	parts := strings.Fields(compilerCmd)
	out, err := exec.Command(parts[0], parts[1:]...).CombinedOutput()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Signature computes the build signature from §3: a hex digest over the
// package name, the system summary, the textual form of each command in
// order, and for each named input (in sorted key order) the tagged pair
// (name, stable_hash_of(path)). Reordering inputs by key does not change
// the signature (§8 property 4 "Signature sensitivity"); hasher is shared
// across calls within a process so path hashes are memoized by absolute
// path (§3 "Build Signature").
func Signature(pkg string, inputs Inputs, commands [][]string, systemSummary string, hasher *fs.PathHasher) (string, error) {
	h := sha1.New()
	fmt.Fprintf(h, "pkg:%s\n", pkg)
	fmt.Fprintf(h, "system:%s\n", systemSummary)
	for _, command := range commands {
		fmt.Fprintf(h, "cmd:%s\n", strings.Join(command, "\x00"))
	}
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		digest, err := hasher.Hash(inputs[name], false, false)
		if err != nil {
			return "", fmt.Errorf("memoize: failed to hash input %q (%s): %w", name, inputs[name], err)
		}
		fmt.Fprintf(h, "input:%s:%s\n", name, hex.EncodeToString(digest))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
