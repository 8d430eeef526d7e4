package cas

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/please-build/swarming/src/utils"
)

// httpBackend is a Backend backed by a plain HTTP PUT/GET/HEAD object store,
// grounded on the donor's src/cache/http_cache.go PUT/GET semantics (404 is
// a miss, any other non-2xx is an error) but wired through
// hashicorp/go-retryablehttp instead of a bare *http.Client so individual
// blob operations get the backoff described in §4.1.
type httpBackend struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPBackend returns a Backend that reads and writes blobs at
// baseURL/<key> over HTTP. httpClient, if non-nil, supplies auth headers
// etc (auth is an external collaborator per §9); a default is used
// otherwise.
func NewHTTPBackend(baseURL string, httpClient *http.Client, log *logging.Logger, timeout time.Duration) Backend {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 15 * time.Second
	rc.Logger = &utils.HTTPLogWrapper{Logger: log}
	rc.CheckRetry = retryOn5xxAndTransport
	if httpClient != nil {
		rc.HTTPClient = httpClient
	}
	rc.HTTPClient.Timeout = timeout
	return &httpBackend{baseURL: strings.TrimSuffix(baseURL, "/"), client: rc}
}

// retryOn5xxAndTransport implements the §4.1 failure semantics: transport
// errors and HTTP 5xx are retryable, 4xx is fatal and must not be retried.
func retryOn5xxAndTransport(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

func (b *httpBackend) url(key string) string { return b.baseURL + "/" + key }

func (b *httpBackend) Put(ctx context.Context, key string, data []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, b.url(key), data)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatus(resp.StatusCode, string(body))
	}
	return nil
}

func (b *httpBackend) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, b.url(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{Key: key}
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// Exists issues a HEAD per key; the server is expected to be cheap about
// it. A request that still fails after retryablehttp's own per-request
// retries aborts the whole batch; the batch itself is not retried.
func (b *httpBackend) Exists(ctx context.Context, keys []string) ([]string, error) {
	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, b.url(key), nil)
		if err != nil {
			return nil, err
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			missing = append(missing, key)
		} else if resp.StatusCode/100 != 2 {
			return nil, classifyStatus(resp.StatusCode, "")
		}
	}
	return missing, nil
}

func (b *httpBackend) Name() string { return "http:" + b.baseURL }
