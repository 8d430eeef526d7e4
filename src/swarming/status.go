package swarming

import (
	"fmt"
	"sort"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
)

// DefaultStatusInterval is the status-update interval from §4.2.3: "A
// configurable status-update interval (default 15 min)".
const DefaultStatusInterval = 15 * time.Minute

// statusReporter drives the periodic "still waiting on shards" stdout line,
// grounded on src/wait/wait.go's periodic-log-while-waiting pattern,
// generalized from a single channel wait into naming outstanding shard
// indices.
type statusReporter struct {
	interval time.Duration
	start    time.Time

	mu        sync.Mutex
	remaining map[int]bool
}

func newStatusReporter(shardIndices []int, interval time.Duration) *statusReporter {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	remaining := make(map[int]bool, len(shardIndices))
	for _, i := range shardIndices {
		remaining[i] = true
	}
	return &statusReporter{interval: interval, start: time.Now(), remaining: remaining}
}

// done marks shard index as no longer outstanding.
func (s *statusReporter) done(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remaining, index)
}

// run prints a status line every interval until stop is closed.
func (s *statusReporter) run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.report()
		}
	}
}

func (s *statusReporter) report() {
	s.mu.Lock()
	indices := make([]int, 0, len(s.remaining))
	for i := range s.remaining {
		indices = append(indices, i)
	}
	s.mu.Unlock()
	if len(indices) == 0 {
		return
	}
	sort.Ints(indices)
	fmt.Printf("Still waiting on %d shard(s), submitted %s: %v\n", len(indices), humanize.Time(s.start), indices)
}
