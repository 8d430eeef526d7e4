package isolate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/swarming/src/cas"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("b"), 0644))
}

// TestDigestStability is property 2: re-archiving the same tree produces
// the same root digest.
func TestDigestStability(t *testing.T) {
	ctx := context.Background()
	root1, root2 := t.TempDir(), t.TempDir()
	writeTree(t, root1)
	writeTree(t, root2)

	client1 := cas.NewClient(cas.NewDirBackend(t.TempDir()), nil, cas.AlgoSHA1, 2)
	client2 := cas.NewClient(cas.NewDirBackend(t.TempDir()), nil, cas.AlgoSHA1, 2)

	d1, err := Archive(ctx, client1, root1)
	require.NoError(t, err)
	d2, err := Archive(ctx, client2, root2)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestArchiveThenMaterializeRoundtrips(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeTree(t, src)

	store := t.TempDir()
	client := cas.NewClient(cas.NewDirBackend(store), nil, cas.AlgoSHA1, 2)

	digest, err := Archive(ctx, client, src)
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, Materialize(ctx, client, digest, out))

	a, err := os.ReadFile(filepath.Join(out, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(a))

	b, err := os.ReadFile(filepath.Join(out, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))
}
