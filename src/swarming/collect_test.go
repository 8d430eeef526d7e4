package swarming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/swarming/src/logging"
)

// fakeShard configures one task key's behaviour on the fake dispatcher:
// it answers with an empty (unfinished) result until its readyAfter-th
// poll, and from then on always returns result.
type fakeShard struct {
	readyAfter int
	result     ShardResult

	mu    sync.Mutex
	calls int
}

// fakeDispatcherServer serves /get_result the way the real dispatcher does,
// keyed by the "r" query parameter, backed by a fixed set of fakeShards.
// Not-ready shards answer 200 with an empty body (not 404), matching a live
// dispatcher before a task is registered at all; this avoids exercising
// retryablehttp's own (much slower) internal 404 retry loop in these tests.
func fakeDispatcherServer(t *testing.T, shards map[string]*fakeShard) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_result" {
			http.NotFound(w, r)
			return
		}
		key := r.URL.Query().Get("r")
		shard, ok := shards[key]
		if !ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		shard.mu.Lock()
		shard.calls++
		ready := shard.calls >= shard.readyAfter
		shard.mu.Unlock()
		if !ready {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(shard.result)
	}))
}

func newTestCollector(t *testing.T, srv *httptest.Server, perShardTimeout time.Duration) *Collector {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	d := NewDispatcher(u.String(), srv.Client(), logging.Log, 5*time.Second)
	return &Collector{
		Dispatcher:      d,
		PerShardTimeout: perShardTimeout,
		StatusInterval:  time.Hour, // never fires during these short tests
	}
}

func TestCollectSingleShardHappyPath(t *testing.T) {
	shards := map[string]*fakeShard{
		"key0": {readyAfter: 1, result: ShardResult{ConfigInstanceIndex: 0, ExitCodes: "0", Output: "ok"}},
	}
	srv := fakeDispatcherServer(t, shards)
	defer srv.Close()

	c := newTestCollector(t, srv, time.Minute)
	outDir := t.TempDir()
	summary, err := c.Collect(context.Background(), "task", []string{"key0"}, outDir, time.Now())
	require.NoError(t, err)
	require.Len(t, summary.Shards, 1)
	require.NotNil(t, summary.Shards[0])
	assert.Equal(t, 0, summary.ExitCode())

	data, err := os.ReadFile(filepath.Join(outDir, "summary.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_name": "task"`)
}

func TestCollectCompletionOrderNotIndexOrder(t *testing.T) {
	// Shard 0 finishes on its 2nd poll, shard 2 on its 3rd, shard 1 on its
	// 5th, so they complete in the order 0, 2, 1; each result must still
	// land in its own index slot of the summary.
	shards := map[string]*fakeShard{
		"key0": {readyAfter: 2, result: ShardResult{ConfigInstanceIndex: 0, ExitCodes: "0", Output: "done0"}},
		"key1": {readyAfter: 5, result: ShardResult{ConfigInstanceIndex: 1, ExitCodes: "0", Output: "done1"}},
		"key2": {readyAfter: 3, result: ShardResult{ConfigInstanceIndex: 2, ExitCodes: "0", Output: "done2"}},
	}
	srv := fakeDispatcherServer(t, shards)
	defer srv.Close()

	c := newTestCollector(t, srv, 30*time.Second)
	outDir := t.TempDir()
	summary, err := c.Collect(context.Background(), "task", []string{"key0", "key1", "key2"}, outDir, time.Now())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NotNilf(t, summary.Shards[i], "shard %d missing", i)
	}
	assert.Equal(t, 0, summary.ExitCode())
}

func TestCollectShardTimeout(t *testing.T) {
	shards := map[string]*fakeShard{
		"key0": {readyAfter: 1, result: ShardResult{ConfigInstanceIndex: 0, ExitCodes: "0", Output: "done0"}},
		"key1": {readyAfter: 1000000, result: ShardResult{ConfigInstanceIndex: 1, ExitCodes: "0", Output: "never"}},
	}
	srv := fakeDispatcherServer(t, shards)
	defer srv.Close()

	c := newTestCollector(t, srv, 400*time.Millisecond)
	outDir := t.TempDir()
	summary, err := c.Collect(context.Background(), "task", []string{"key0", "key1"}, outDir, time.Now())
	require.Error(t, err)
	assert.NotNil(t, summary.Shards[0])
	assert.Nil(t, summary.Shards[1])
	assert.Equal(t, []int{1}, summary.MissingShards())
	assert.GreaterOrEqual(t, summary.ExitCode(), 1)
}

func TestCollectDuplicateShardSuppressed(t *testing.T) {
	// Both task keys resolve to the same ConfigInstanceIndex; only one
	// result should be recorded and the other ignored as a duplicate.
	shards := map[string]*fakeShard{
		"key0a": {readyAfter: 1, result: ShardResult{ConfigInstanceIndex: 0, ExitCodes: "0", Output: "first"}},
		"key0b": {readyAfter: 1, result: ShardResult{ConfigInstanceIndex: 0, ExitCodes: "2", Output: "dup"}},
	}
	srv := fakeDispatcherServer(t, shards)
	defer srv.Close()

	c := newTestCollector(t, srv, 10*time.Second)
	outDir := t.TempDir()
	summary, err := c.Collect(context.Background(), "task", []string{"key0a", "key0b"}, outDir, time.Now())
	require.NoError(t, err)
	require.Len(t, summary.Shards, 2)
	require.NotNil(t, summary.Shards[0])
	assert.Nil(t, summary.Shards[1])
}

func TestCollectExitCodeMonotonicity(t *testing.T) {
	shards := map[string]*fakeShard{
		"key0": {readyAfter: 1, result: ShardResult{ConfigInstanceIndex: 0, ExitCodes: "0", Output: "ok"}},
		"key1": {readyAfter: 1, result: ShardResult{ConfigInstanceIndex: 1, ExitCodes: "0,3,1", Output: "fail"}},
	}
	srv := fakeDispatcherServer(t, shards)
	defer srv.Close()

	c := newTestCollector(t, srv, 10*time.Second)
	outDir := t.TempDir()
	summary, err := c.Collect(context.Background(), "task", []string{"key0", "key1"}, outDir, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.ExitCode())
}

func TestCollectCancellationStopsPromptly(t *testing.T) {
	shards := map[string]*fakeShard{
		"key0": {readyAfter: 1000000, result: ShardResult{ConfigInstanceIndex: 0}},
	}
	srv := fakeDispatcherServer(t, shards)
	defer srv.Close()

	c := newTestCollector(t, srv, time.Hour)
	outDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	done := make(chan struct{})
	go func() {
		_, _ = c.Collect(ctx, "task", []string{"key0"}, outDir, time.Now())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Collect did not return promptly after ctx cancellation")
	}
}
