// Package cas implements the Content-Addressed Store client (§4.1): upload,
// download and existence-check of opaque byte blobs keyed by digest, with a
// single write backend and an ordered fallback chain of read backends.
package cas

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/please-build/swarming/src/logging"
	"github.com/please-build/swarming/src/metrics"
	"github.com/please-build/swarming/src/swarmerr"
)

var log = logging.Log

// DefaultConcurrency is the default size of the upload/download worker pool
// when a caller doesn't configure one (§5: "default = number of cores").
var DefaultConcurrency = runtime.NumCPU()

// Client is safe for concurrent use: the underlying HTTP transport pools
// connections and the only mutable shared state (none, currently) would be
// guarded by a mutex per §5.
type Client struct {
	write       Backend
	read        []Backend // tried in order; write backend is implicitly also a read backend
	algo        Algo
	concurrency int
}

// NewClient constructs a Client. read may be empty, in which case write is
// also used for reads. algo selects the digest function new Put* calls use
// to name uploaded blobs.
func NewClient(write Backend, read []Backend, algo Algo, concurrency int) *Client {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if len(read) == 0 {
		read = []Backend{write}
	}
	return &Client{write: write, read: read, algo: algo, concurrency: concurrency}
}

// classifyStatus turns an HTTP status into the §7 error taxonomy.
func classifyStatus(statusCode int, body string) error {
	return swarmerr.ClassifyHTTPStatus("cas", statusCode, body)
}

// PutData uploads bytes under key, equivalent to writing them to a
// temporary file and calling PutFile (§4.1).
func (c *Client) PutData(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := c.retryingPut(ctx, key, data)
	metrics.RecordCASTransfer("put", err == nil, time.Since(start))
	if err != nil {
		return &swarmerr.StorageError{Key: key, Cause: err}
	}
	return nil
}

// PutFile uploads the contents of localPath under key.
func (c *Client) PutFile(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &swarmerr.StorageError{Key: key, Cause: err}
	}
	return c.PutData(ctx, key, data)
}

func (c *Client) retryingPut(ctx context.Context, key string, data []byte) error {
	err := c.write.Put(ctx, key, data)
	if err != nil && !swarmerr.IsRetryable(err) {
		return err // ServerRejectError or similar: fatal, don't retry
	}
	return err // the Backend itself already retried transport/5xx errors
}

// GetData downloads the bytes stored under key, trying each configured read
// backend in order; the first success wins (§4.1, §9 "multiple CAS read
// endpoints with fallback").
func (c *Client) GetData(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var lastErr error
	for _, backend := range c.read {
		data, err := backend.Get(ctx, key)
		if err == nil {
			metrics.RecordCASTransfer("get", true, time.Since(start))
			return data, nil
		}
		if _, ok := err.(*NotFoundError); ok {
			lastErr = err
			continue
		}
		if !swarmerr.IsRetryable(err) {
			metrics.RecordCASTransfer("get", false, time.Since(start))
			return nil, &swarmerr.StorageError{Key: key, Cause: err}
		}
		lastErr = err
	}
	metrics.RecordCASTransfer("get", false, time.Since(start))
	if _, ok := lastErr.(*NotFoundError); ok {
		return nil, lastErr
	}
	return nil, &swarmerr.StorageError{Key: key, Cause: lastErr}
}

// GetFile downloads the blob stored under key into localPath, which is
// complete and byte-identical to the stored blob on success.
func (c *Client) GetFile(ctx context.Context, key, localPath string) error {
	data, err := c.GetData(ctx, key)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0644)
}

// ExistsBatch reports which of keys are missing from the write backend.
// Used before uploading to deduplicate (§4.1 algorithm step 2).
func (c *Client) ExistsBatch(ctx context.Context, keys []string) ([]string, error) {
	missing, err := c.write.Exists(ctx, keys)
	if err != nil {
		return nil, &swarmerr.StorageError{Key: "<batch>", Cause: err}
	}
	return missing, nil
}

// UploadMissing implements the §4.1 deduplicated-upload algorithm: given a
// map of key -> data, it queries ExistsBatch, then uploads only the blobs
// the server doesn't already have, in parallel up to c.concurrency.
func (c *Client) UploadMissing(ctx context.Context, blobs map[string][]byte) error {
	keys := make([]string, 0, len(blobs))
	for k := range blobs {
		keys = append(keys, k)
	}
	missing, err := c.ExistsBatch(ctx, keys)
	if err != nil {
		return err
	}
	batchID, _ := uuid.NewRandom()
	log.Debug("CAS upload batch %s: %d/%d blobs already present", batchID, len(keys)-len(missing), len(keys))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, key := range missing {
		key, data := key, blobs[key]
		g.Go(func() error {
			return c.PutData(ctx, key, data)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Debug("CAS upload batch %s: complete", batchID)
	return nil
}

// Algo returns the digest algorithm this client uses for new uploads.
func (c *Client) Algo() Algo { return c.algo }
