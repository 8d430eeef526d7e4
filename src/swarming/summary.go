package swarming

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/please-build/swarming/src/fs"
)

// Summary is the on-disk record written once a collection run finishes
// (§4.2.4 "Summary file", §6 "On-disk task output layout").
type Summary struct {
	TaskName string         `json:"task_name"`
	Shards   []*ShardResult `json:"shards"`
}

// NewSummary returns a Summary with n shard slots, all initially nil (a
// shard that never completes stays null, per §4.2.4).
func NewSummary(taskName string, n int) *Summary {
	return &Summary{TaskName: taskName, Shards: make([]*ShardResult, n)}
}

// Set records result at position index. Positions are 0-based shard
// indices, not completion order (§4.2.4: "position i holds shard i's
// result or null if missing").
func (s *Summary) Set(index int, result *ShardResult) {
	if index >= 0 && index < len(s.Shards) {
		s.Shards[index] = result
	}
}

// Write serialises the summary to <taskOutputDir>/summary.json.
func (s *Summary) Write(taskOutputDir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(taskOutputDir, "summary.json")
	if err := fs.EnsureDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// MissingShards returns the indices of every shard still nil.
func (s *Summary) MissingShards() []int {
	var missing []int
	for i, r := range s.Shards {
		if r == nil {
			missing = append(missing, i)
		}
	}
	return missing
}

// ExitCode implements §4.2.5 / §6: 0 iff every shard completed with exit
// code 0; 1 if any shard is missing with no non-zero exit seen; otherwise
// the max per-shard exit code.
func (s *Summary) ExitCode() int {
	max := 0
	anyMissing := len(s.MissingShards()) > 0
	for _, r := range s.Shards {
		if r == nil {
			continue
		}
		if c := r.MaxExitCode(); c > max {
			max = c
		}
	}
	if max == 0 && anyMissing {
		return 1
	}
	return max
}
