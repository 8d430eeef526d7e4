package memoize

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstitute(t *testing.T) {
	argv := []string{"cp", "%(src)s", "%(output)s/out.bin", "--sig=%(build_signature)s"}
	out, err := Substitute(argv, Inputs{"src": "rel/path.bin"}, "rel/out", "deadbeef")
	require.NoError(t, err)

	wantSrc, err := filepath.Abs("rel/path.bin")
	require.NoError(t, err)
	wantOut, err := filepath.Abs("rel/out")
	require.NoError(t, err)

	assert.Equal(t, []string{"cp", wantSrc, wantOut + "/out.bin", "--sig=deadbeef"}, out)
}

func TestSubstituteLeavesUnknownPlaceholdersAlone(t *testing.T) {
	out, err := Substitute([]string{"echo", "%(not_declared)s"}, Inputs{}, "out", "sig")
	require.NoError(t, err)
	assert.Equal(t, "%(not_declared)s", out[1])
}
