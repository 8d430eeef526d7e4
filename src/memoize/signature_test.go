package memoize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/swarming/src/fs"
)

func writeInput(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

// TestSignatureSensitivity is §8 property 4: modifying the package name,
// an input's bytes, or a command's textual form changes the signature;
// reordering inputs by key does not, since they're visited in sorted order.
func TestSignatureSensitivity(t *testing.T) {
	dir := t.TempDir()
	a := writeInput(t, dir, "a.txt", "aaa")
	b := writeInput(t, dir, "b.txt", "bbb")
	hasher := fs.NewPathHasher("")
	commands := [][]string{{"echo", "hi"}}

	base, err := Signature("pkg", Inputs{"a": a, "b": b}, commands, "sys", hasher)
	require.NoError(t, err)

	reordered, err := Signature("pkg", Inputs{"b": b, "a": a}, commands, "sys", hasher)
	require.NoError(t, err)
	assert.Equal(t, base, reordered, "reordering inputs by key must not change the signature")

	diffPkg, err := Signature("other", Inputs{"a": a, "b": b}, commands, "sys", hasher)
	require.NoError(t, err)
	assert.NotEqual(t, base, diffPkg)

	diffCmd, err := Signature("pkg", Inputs{"a": a, "b": b}, [][]string{{"echo", "bye"}}, "sys", hasher)
	require.NoError(t, err)
	assert.NotEqual(t, base, diffCmd)

	diffSystem, err := Signature("pkg", Inputs{"a": a, "b": b}, commands, "other-sys", hasher)
	require.NoError(t, err)
	assert.NotEqual(t, base, diffSystem)

	require.NoError(t, os.WriteFile(a, []byte("changed"), 0644))
	diffContents, err := Signature("pkg", Inputs{"a": a, "b": b}, commands, "sys", fs.NewPathHasher(""))
	require.NoError(t, err)
	assert.NotEqual(t, base, diffContents, "changing an input's bytes must change the signature")
}

func TestSystemSummaryCachedPerProcess(t *testing.T) {
	first := SystemSummary("")
	second := SystemSummary("echo ignored-because-cached")
	assert.Equal(t, first, second, "system summary is computed once per process and then cached")
}
