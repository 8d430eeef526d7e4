package swarming

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/please-build/swarming/src/metrics"
	"github.com/please-build/swarming/src/swarmerr"
)

// ShardState is one state in the per-shard state machine from §4.2.6:
// PENDING -> POLLING -> FETCHING -> DONE | TIMEOUT | ERROR. TIMEOUT and
// ERROR are terminal and never prevent sibling shards from completing.
type ShardState int

// The fixed set of per-shard states.
const (
	StatePending ShardState = iota
	StatePolling
	StateFetching
	StateDone
	StateTimeout
	StateError
)

func (s ShardState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StatePolling:
		return "POLLING"
	case StateFetching:
		return "FETCHING"
	case StateDone:
		return "DONE"
	case StateTimeout:
		return "TIMEOUT"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// CollectedResult is one entry delivered on the engine's results channel:
// (index, result) in completion order, per §4.2.3.
type CollectedResult struct {
	Index  int
	Result *ShardResult
	State  ShardState
	Err    error
}

// Collector runs the concurrent polling engine (§4.2.3) and streams each
// shard's result and output artifacts to a Summary.
type Collector struct {
	Dispatcher      *Dispatcher
	Fetcher         *OutputFetcher
	MaxThreads      int           // 0 means unbounded (one poller per task key)
	PerShardTimeout time.Duration // 0 falls back to DefaultPerShardTimeout
	StatusInterval  time.Duration // 0 falls back to DefaultStatusInterval
}

// DefaultPerShardTimeout bounds how long a single shard may be polled
// before it is recorded as timed out.
const DefaultPerShardTimeout = 4 * time.Hour

func (c *Collector) perShardTimeout() time.Duration {
	if c.PerShardTimeout <= 0 {
		return DefaultPerShardTimeout
	}
	return c.PerShardTimeout
}

// Collect polls every key in taskKeys (one poller per key, bounded to
// MaxThreads concurrently) until each produces a result, times out, or the
// caller cancels ctx, fetches each shard's output artifacts, and writes
// summary.json to outputDir exactly once at the end (§4.2.3, §4.2.4,
// §5 "Ordering guarantees"). Grounded on src/remote/blobs.go's
// errgroup-based worker-pool shape and src/wait/wait.go's
// periodic-log-while-waiting pattern.
func (c *Collector) Collect(ctx context.Context, taskName string, taskKeys []string, outputDir string, submittedAt time.Time) (*Summary, error) {
	n := len(taskKeys)
	summary := NewSummary(taskName, n)
	results := make(chan CollectedResult, n)

	var mu sync.Mutex
	seen := map[int]bool{}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	reporter := newStatusReporter(indices, c.StatusInterval)
	finished := make(chan struct{})
	statusDone := make(chan struct{})
	go func() {
		reporter.run(finished)
		close(statusDone)
	}()

	g, gctx := errgroup.WithContext(ctx)
	limit := c.MaxThreads
	if limit <= 0 || limit > n {
		limit = n
	}
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, key := range taskKeys {
		i, key := i, key
		g.Go(func() error {
			collected := c.pollOneShard(gctx, key, i)

			mu.Lock()
			dup := seen[collected.Index]
			if !dup {
				seen[collected.Index] = true
			}
			mu.Unlock()

			if dup {
				log.Warning("Ignoring duplicate result for shard %d", collected.Index)
				return nil // per-shard outcomes never fail the errgroup; see §5
			}
			reporter.done(collected.Index)
			results <- collected
			return nil
		})
	}

	go func() {
		g.Wait() //nolint:errcheck // worker goroutines never return an error, see above
		close(results)
	}()

	var causes *multierror.Error
	for collected := range results {
		summary.Set(collected.Index, collected.Result)
		if collected.Result != nil && collected.Err == nil {
			metrics.RecordShardCompletion(time.Since(submittedAt))
			c.maybeFetchOutput(ctx, collected, outputDir)
		} else if collected.Err != nil {
			causes = multierror.Append(causes, collected.Err)
		}
	}
	close(finished)
	<-statusDone

	if err := summary.Write(outputDir); err != nil {
		return summary, err
	}
	if missing := summary.MissingShards(); len(missing) > 0 {
		var causeErr error
		if causes != nil {
			causeErr = causes.ErrorOrNil()
		}
		return summary, &swarmerr.PartialFailure{MissingShards: missing, Causes: causeErr}
	}
	return summary, nil
}

// maybeFetchOutput implements the POLLING->FETCHING->DONE transition: if
// the shard's output contains a valid marker, materialize its tree; a
// fetch failure is logged (§4.2.4) but does not invalidate the shard's
// already-collected result.
func (c *Collector) maybeFetchOutput(ctx context.Context, collected CollectedResult, outputDir string) {
	if c.Fetcher == nil {
		return
	}
	loc, ok := ExtractOutputLocation(collected.Result.Output)
	if !ok {
		return // straight POLLING -> DONE, no output tree to fetch
	}
	if err := c.Fetcher.Fetch(ctx, loc, outputDir, collected.Index); err != nil {
		log.Error("Failed to fetch output artifacts for shard %d: %s", collected.Index, err)
	}
}

// pollOneShard repeatedly polls taskKey until a finished result arrives,
// the per-shard deadline elapses, or ctx is cancelled (§4.2.3). index is
// used as the shard index if the dispatcher's response omits one; normally
// the response's ConfigInstanceIndex is authoritative.
func (c *Collector) pollOneShard(ctx context.Context, taskKey string, index int) CollectedResult {
	deadline := time.Now().Add(c.perShardTimeout())
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return CollectedResult{Index: index, State: StateTimeout, Err: ctx.Err()}
		}
		if time.Now().After(deadline) {
			metrics.RecordShardPoll("timeout")
			return CollectedResult{Index: index, State: StateTimeout, Err: &swarmerr.ShardTimeout{ShardIndex: index}}
		}

		result, notFound, err := c.Dispatcher.GetResult(ctx, taskKey)
		if err != nil {
			if !swarmerr.IsRetryable(err) {
				metrics.RecordShardPoll("error")
				return CollectedResult{Index: index, State: StateError, Err: err}
			}
			// TransientNetworkError: fall through to the backoff sleep and retry.
		} else if !notFound && result.Output != "" {
			// Per §9's open question, an empty Output is indistinguishable from
			// "not finished yet" - preserved as-is, not silently fixed.
			metrics.RecordShardPoll("done")
			return CollectedResult{Index: result.ConfigInstanceIndex, Result: result, State: StateDone}
		}

		metrics.RecordShardPoll("pending")
		wait := bo.clamped(time.Until(deadline))
		select {
		case <-ctx.Done():
			return CollectedResult{Index: index, State: StateTimeout, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
}
