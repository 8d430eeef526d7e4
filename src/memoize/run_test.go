package memoize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/swarming/src/cas"
	"github.com/please-build/swarming/src/fs"
)

func newTestClient(t *testing.T) *cas.Client {
	t.Helper()
	return cas.NewClient(cas.NewDirBackend(t.TempDir()), nil, cas.AlgoSHA1, 4)
}

// TestRunIdempotence is §8 property 3 and scenario E5: a second Run with
// identical arguments performs zero command invocations and leaves the
// output directory byte-identical.
func TestRunIdempotence(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	scratch := t.TempDir()
	src := filepath.Join(scratch, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello memoize"), 0644))
	counter := filepath.Join(scratch, "counter")

	commands := [][]string{{"/bin/sh", "-c",
		fmt.Sprintf("cat %%(src)s > %%(output)s/out.txt && printf x >> %s", counter)}}
	inputs := Inputs{"src": src}
	outputDir := filepath.Join(scratch, "out")
	opts := Options{UseCached: true}

	require.NoError(t, Run(ctx, client, "pkg", inputs, outputDir, commands, opts))

	data, err := os.ReadFile(filepath.Join(outputDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello memoize", string(data))

	counted, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x", string(counted), "the first Run must invoke the command exactly once")

	// Simulate a fresh machine: wipe the output directory entirely.
	require.NoError(t, os.RemoveAll(outputDir))

	require.NoError(t, Run(ctx, client, "pkg", inputs, outputDir, commands, opts))

	counted, err = os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x", string(counted), "the second Run must not invoke the command again")

	data, err = os.ReadFile(filepath.Join(outputDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello memoize", string(data), "the cached output must be byte-identical")
}

// TestRunFailedCommandNotPublished covers §4.3 "Failure semantics": a
// failed command is fatal, and neither the output nor the signature
// pointer is published, so a later identical Run doesn't pick up a
// half-finished result.
func TestRunFailedCommandNotPublished(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	scratch := t.TempDir()

	commands := [][]string{{"/bin/sh", "-c", "exit 1"}}
	outputDir := filepath.Join(scratch, "out")

	err := Run(ctx, client, "pkg", Inputs{}, outputDir, commands, Options{UseCached: true})
	assert.Error(t, err)

	signature, err := Signature("pkg", Inputs{}, commands, SystemSummary(""), fs.NewPathHasher(""))
	require.NoError(t, err)
	hit, err := Fetch(ctx, client, "pkg", signature, outputDir)
	require.NoError(t, err)
	assert.False(t, hit)
}

// TestRunUseCachedFalseAlwaysRecomputes checks that disabling UseCached
// skips the cache-lookup branch even when a prior result exists.
func TestRunUseCachedFalseAlwaysRecomputes(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	scratch := t.TempDir()
	counter := filepath.Join(scratch, "counter")
	commands := [][]string{{"/bin/sh", "-c", fmt.Sprintf("printf x >> %s", counter)}}
	outputDir := filepath.Join(scratch, "out")

	require.NoError(t, Run(ctx, client, "pkg", Inputs{}, outputDir, commands, Options{UseCached: true}))
	require.NoError(t, Run(ctx, client, "pkg", Inputs{}, outputDir, commands, Options{UseCached: false}))

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "xx", string(data), "UseCached=false must re-run the commands even though a cached result exists")
}
