package swarming

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/please-build/swarming/src/cas"
	"github.com/please-build/swarming/src/isolate"
)

// OutputFetcher materializes shard output trees from their output-location
// marker into per-shard directories (§4.2.4). It lazily builds (and
// reuses) one cas.Client per distinct (storage, namespace) pair, and
// enforces the consistency rule that every shard of one task must agree on
// that pair.
type OutputFetcher struct {
	httpClient *http.Client
	log        *logging.Logger
	timeout    time.Duration

	mu        sync.Mutex
	clients   map[string]*cas.Client
	agreedKey string // "<storage>|<namespace>" that the first shard established
}

// NewOutputFetcher returns an OutputFetcher. httpClient may be nil for a
// default client (auth is an external collaborator, §9).
func NewOutputFetcher(httpClient *http.Client, log *logging.Logger, timeout time.Duration) *OutputFetcher {
	return &OutputFetcher{
		httpClient: httpClient,
		log:        log,
		timeout:    timeout,
		clients:    map[string]*cas.Client{},
	}
}

// Fetch materializes the isolated tree named by loc into
// <taskOutputDir>/<shardIndex>/. If loc disagrees with a prior shard's
// (storage, namespace), fetching is skipped for this shard and an error is
// logged, per the §4.2.4 "Consistency rule" (first shard wins).
func (f *OutputFetcher) Fetch(ctx context.Context, loc *OutputLocation, taskOutputDir string, shardIndex int) error {
	key := loc.Storage + "|" + loc.Namespace
	client, err := f.clientFor(key, loc)
	if err != nil {
		return err
	}
	outDir := filepath.Join(taskOutputDir, fmt.Sprint(shardIndex))
	return isolate.Materialize(ctx, client, cas.Digest(loc.Hash), outDir)
}

func (f *OutputFetcher) clientFor(key string, loc *OutputLocation) (*cas.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.agreedKey == "" {
		f.agreedKey = key
	} else if f.agreedKey != key {
		return nil, fmt.Errorf("shard output disagrees on CAS location: first shard used %q, this one uses %q", f.agreedKey, key)
	}
	if client, ok := f.clients[key]; ok {
		return client, nil
	}
	backend := cas.NewHTTPBackend(loc.Storage+"/"+loc.Namespace, f.httpClient, f.log, f.timeout)
	client := cas.NewClient(backend, nil, cas.DefaultAlgo, cas.DefaultConcurrency)
	f.clients[key] = client
	return client, nil
}
