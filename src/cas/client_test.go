package cas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestStability(t *testing.T) {
	d1, err := HashBytes([]byte("hello world"), AlgoSHA1)
	require.NoError(t, err)
	d2, err := HashBytes([]byte("hello world"), AlgoSHA1)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, string(d1), 40)
}

func TestDigestDiffersByAlgo(t *testing.T) {
	d1, err := HashBytes([]byte("hello world"), AlgoSHA1)
	require.NoError(t, err)
	d2, err := HashBytes([]byte("hello world"), AlgoSHA256)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
	assert.Len(t, string(d2), 64)
}

func TestValidateDigest(t *testing.T) {
	d, err := HashBytes([]byte("x"), AlgoSHA1)
	require.NoError(t, err)
	assert.NoError(t, ValidateDigest(d, AlgoSHA1))
	assert.Error(t, ValidateDigest("not-hex!!", AlgoSHA1))
	assert.Error(t, ValidateDigest(d, AlgoSHA256))
}

// TestDeduplicatedUpload is property 1 and scenario E6: ExistsBatch reports
// exactly the missing keys, and after UploadMissing every blob is readable.
func TestDeduplicatedUpload(t *testing.T) {
	dir := t.TempDir()
	backend := NewDirBackend(dir)
	client := NewClient(backend, nil, AlgoSHA1, 4)
	ctx := context.Background()

	d1, _ := HashBytes([]byte("one"), AlgoSHA1)
	d2, _ := HashBytes([]byte("two"), AlgoSHA1)
	d3, _ := HashBytes([]byte("three"), AlgoSHA1)

	// Pre-populate d2 as "already present on the server".
	require.NoError(t, client.PutData(ctx, string(d2), []byte("two")))

	blobs := map[string][]byte{
		string(d1): []byte("one"),
		string(d2): []byte("two"),
		string(d3): []byte("three"),
	}
	missing, err := client.ExistsBatch(ctx, []string{string(d1), string(d2), string(d3)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{string(d1), string(d3)}, missing)

	require.NoError(t, client.UploadMissing(ctx, blobs))

	for key, want := range blobs {
		got, err := client.GetData(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestGetDataNotFound(t *testing.T) {
	dir := t.TempDir()
	client := NewClient(NewDirBackend(dir), nil, AlgoSHA1, 4)
	_, err := client.GetData(context.Background(), "does-not-exist")
	assert.Error(t, err)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestReadFallbackChain(t *testing.T) {
	primaryDir, secondaryDir := t.TempDir(), t.TempDir()
	primary := NewDirBackend(primaryDir)
	secondary := NewDirBackend(secondaryDir)
	ctx := context.Background()

	// Only the secondary backend has the blob.
	require.NoError(t, secondary.Put(ctx, "k", []byte("v")))

	client := NewClient(primary, []Backend{primary, secondary}, AlgoSHA1, 4)
	data, err := client.GetData(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}
