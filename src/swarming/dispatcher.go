package swarming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/please-build/swarming/src/swarmerr"
	"github.com/please-build/swarming/src/utils"
)

// ShardResult is the JSON the dispatcher returns for one completed shard
// (§3 "Shard Result").
type ShardResult struct {
	ConfigInstanceIndex int    `json:"config_instance_index"`
	MachineID           string `json:"machine_id"`
	MachineTag          string `json:"machine_tag"`
	ExitCodes           string `json:"exit_codes"`
	Output              string `json:"output"`
}

// MaxExitCode returns the highest of the comma-separated exit codes in
// result.ExitCodes (§4.2.5: "max(int(x) for x in result.exit_codes.split(','))").
// Malformed entries are treated as 1 so a parse failure doesn't look like
// success.
func (r *ShardResult) MaxExitCode() int {
	if r.ExitCodes == "" {
		return 1
	}
	max := 0
	for _, part := range strings.Split(r.ExitCodes, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return 1
		}
		if n > max {
			max = n
		}
	}
	return max
}

// Bot describes one worker as returned by ListBots.
type Bot struct {
	Tag        string                     `json:"tag"`
	LastSeen   string                     `json:"last_seen"` // "YYYY-MM-DD HH:MM:SS" UTC
	Dimensions map[string]DimensionValues `json:"dimensions"`
}

// DimensionValues holds one bot dimension's value, which the dispatcher
// encodes as either a bare scalar (e.g. "os": "Windows") or a list (e.g.
// "os": ["Windows", "7"]), mirroring the original dispatcher's own
// `isinstance(dimensions[key], list)` handling. Always normalised to a
// slice so callers don't need to care which form was on the wire.
type DimensionValues []string

// UnmarshalJSON implements json.Unmarshaler, accepting either form.
func (d *DimensionValues) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*d = list
		return nil
	}
	var scalar string
	if err := json.Unmarshal(data, &scalar); err != nil {
		return fmt.Errorf("dimension value is neither a string nor a list of strings: %w", err)
	}
	*d = DimensionValues{scalar}
	return nil
}

// BotsResponse is the body of GET /swarming/api/v1/bots.
type BotsResponse struct {
	MachineDeathTimeout int   `json:"machine_death_timeout"`
	Machines            []Bot `json:"machines"`
}

// Dispatcher is an HTTP client for the dispatch server's plain HTTP/JSON
// API (§6). Grounded on src/cache/http_cache.go's http.Client-holding
// struct shape, wired through retryablehttp + utils.HTTPLogWrapper the same
// way src/cas/httpstore.go is.
type Dispatcher struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewDispatcher returns a Dispatcher talking to baseURL. httpClient, if
// non-nil, already carries auth headers (§9 "Auth" - an external
// collaborator).
func NewDispatcher(baseURL string, httpClient *http.Client, log *logging.Logger, timeout time.Duration) *Dispatcher {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 15 * time.Second
	rc.Logger = &utils.HTTPLogWrapper{Logger: log}
	rc.CheckRetry = retryOn5xxAndTransportOr404
	if httpClient != nil {
		rc.HTTPClient = httpClient
	}
	rc.HTTPClient.Timeout = timeout
	return &Dispatcher{baseURL: strings.TrimSuffix(baseURL, "/"), client: rc}
}

// retryOn5xxAndTransportOr404 retries transport errors, 5xx, and 404 (the
// dispatcher uses 404 to mean "not registered yet" on some endpoints, per
// §4.2.3); any other 4xx is fatal.
func retryOn5xxAndTransportOr404(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// Submit POSTs manifest to <base>/test and returns the raw decoded JSON
// response (§4.2.2: "body {...} shape is opaque beyond 'parses'").
func (d *Dispatcher) Submit(ctx context.Context, manifestJSON []byte) (map[string]interface{}, error) {
	form := url.Values{"request": {string(manifestJSON)}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/test", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &swarmerr.TransientNetworkError{Op: "submit", Cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, swarmerr.ClassifyHTTPStatus("submit", resp.StatusCode, string(body))
	}
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, swarmerr.NewConfigError("submit: dispatcher returned non-JSON body: %s", err)
	}
	return result, nil
}

// notMatchingSubstring is the literal text the dispatcher returns while a
// just-submitted task hasn't been registered yet (§4.2.3).
const notMatchingSubstring = "No matching"

// ResolveTaskKeys polls <base>/get_matching_test_cases until the dispatcher
// has registered taskName (or ctx is done), returning the per-shard task
// keys.
func (d *Dispatcher) ResolveTaskKeys(ctx context.Context, taskName string) ([]string, error) {
	backoff := newBackoff()
	for {
		keys, notRegistered, err := d.tryResolveTaskKeys(ctx, taskName)
		if err != nil {
			return nil, err
		}
		if !notRegistered {
			return keys, nil
		}
		select {
		case <-ctx.Done():
			return nil, swarmerr.NewConfigError("task %q never registered with the dispatcher: %s", taskName, ctx.Err())
		case <-time.After(backoff.next()):
		}
	}
}

func (d *Dispatcher) tryResolveTaskKeys(ctx context.Context, taskName string) (keys []string, notRegistered bool, err error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		d.baseURL+"/get_matching_test_cases?name="+url.QueryEscape(taskName), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, false, &swarmerr.TransientNetworkError{Op: "get_matching_test_cases", Cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), notMatchingSubstring) {
		return nil, true, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, false, swarmerr.ClassifyHTTPStatus("get_matching_test_cases", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, false, swarmerr.NewConfigError("get_matching_test_cases: non-JSON body: %s", err)
	}
	return keys, false, nil
}

// GetResult issues one GET <base>/get_result?r=<taskKey> attempt. An empty
// Output field means "not finished" (§3, and see §9's open question about
// this being a known bug the client deliberately preserves). A 404 is
// reported distinctly from other statuses since callers treat it as
// "keep polling", not fatal.
func (d *Dispatcher) GetResult(ctx context.Context, taskKey string) (result *ShardResult, notFound bool, err error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		d.baseURL+"/get_result?r="+url.QueryEscape(taskKey), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, false, &swarmerr.TransientNetworkError{Op: "get_result", Cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, true, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, false, swarmerr.ClassifyHTTPStatus("get_result", resp.StatusCode, string(body))
	}
	if len(body) == 0 {
		return &ShardResult{}, false, nil
	}
	var r ShardResult
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, false, &swarmerr.TransientNetworkError{Op: "get_result", Cause: fmt.Errorf("non-JSON body: %w", err)}
	}
	return &r, false, nil
}

// ListBots calls GET <base>/swarming/api/v1/bots, used by the bots
// subcommand (§6, SUPPLEMENTED FEATURES "query subcommand surface").
func (d *Dispatcher) ListBots(ctx context.Context) (*BotsResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/swarming/api/v1/bots", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &swarmerr.TransientNetworkError{Op: "bots", Cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, swarmerr.ClassifyHTTPStatus("bots", resp.StatusCode, string(body))
	}
	var br BotsResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, swarmerr.NewConfigError("bots: non-JSON body: %s", err)
	}
	return &br, nil
}
