// Package swarming implements the Task Submission & Collection Engine
// (§4.2): building a task manifest, submitting it to the dispatch server,
// and concurrently collecting each shard's result and output artifacts.
package swarming

import (
	"fmt"
	"os/user"
	"sort"
	"strings"
	"time"

	"github.com/please-build/swarming/src/cas"
	"github.com/please-build/swarming/src/logging"
	"github.com/please-build/swarming/src/swarmerr"
)

var log = logging.Log

// TestCase is one command a shard runs (§3 "tests").
type TestCase struct {
	Name           string   `json:"name"`
	Action         []string `json:"action"`
	HardTimeOut    int      `json:"hard_time_out"`
	DecorateOutput bool     `json:"decorate_output"`
}

// Manifest is the JSON document submitted to the dispatcher (§3 "Task
// Manifest"). A Manifest is mutable only until Freeze is called; mutating a
// frozen Manifest is a programming error, enforced at runtime since Go has
// no compile-time way to express it without duplicating the type.
type Manifest struct {
	TaskName   string            `json:"task_name"`
	Shards     int               `json:"shards"`
	Dimensions map[string]string `json:"dimensions"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Priority   int               `json:"priority"`
	Deadline   int               `json:"deadline"`
	Data       [][2]string       `json:"data"`
	Tests      []TestCase        `json:"tests"`

	frozen bool
}

// NewManifest returns a Manifest with the given shard count and dimensions,
// defaults filled in for priority and deadline, and env/data/tests ready to
// populate.
func NewManifest(shards int, dimensions map[string]string) *Manifest {
	return &Manifest{
		Shards:     shards,
		Dimensions: dimensions,
		Env:        map[string]string{},
		Priority:   100,
		Deadline:   6 * 3600,
		Data:       [][2]string{},
		Tests:      []TestCase{},
	}
}

// mustNotBeFrozen panics (a programming error, per §3 Lifecycles) if the
// manifest has already been frozen.
func (m *Manifest) mustNotBeFrozen() {
	if m.frozen {
		panic("swarming: attempt to modify a frozen Manifest")
	}
}

// SetEnv sets an environment variable on the manifest.
func (m *Manifest) SetEnv(key, value string) {
	m.mustNotBeFrozen()
	m.Env[key] = value
}

// AddData appends a (url, local_filename) pair the worker fetches before
// running (§3 "data").
func (m *Manifest) AddData(url, localFilename string) {
	m.mustNotBeFrozen()
	m.Data = append(m.Data, [2]string{url, localFilename})
}

// ApplyShardEnv rewrites the environment for sharded tasks per §4.2.1: when
// Shards > 1, GTEST_SHARD_INDEX and GTEST_TOTAL_SHARDS placeholders are
// added, to be resolved by the server per shard.
func (m *Manifest) ApplyShardEnv() {
	m.mustNotBeFrozen()
	if m.Shards > 1 {
		m.Env["GTEST_SHARD_INDEX"] = "%(instance_index)s"
		m.Env["GTEST_TOTAL_SHARDS"] = "%(num_instances)s"
	}
}

// DeriveTaskName fills in TaskName following §4.2.1's scheme when the
// caller omitted one: "<key>/<dims>/<digest>/<epoch_ms>", where <key> is
// the base name of the isolated file, or the local user name if archiving
// from a raw digest, and <dims> is the sorted "k=v" join of dimensions.
func (m *Manifest) DeriveTaskName(isolatedFileBaseName string, digest cas.Digest, now time.Time) {
	m.mustNotBeFrozen()
	if m.TaskName != "" {
		return
	}
	key := isolatedFileBaseName
	if key == "" {
		key = currentUserName()
	}
	m.TaskName = fmt.Sprintf("%s/%s/%s/%d", key, joinDimensions(m.Dimensions), digest, now.UnixMilli())
}

func joinDimensions(dims map[string]string) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + dims[k]
	}
	return strings.Join(parts, "_")
}

func currentUserName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// Validate checks the invariants from §3: shards >= 1, priority in
// [0,1000], deadline > 0. Digest existence in CAS is checked by the caller
// before submission, not here, since that requires network access.
func (m *Manifest) Validate() error {
	if m.Shards < 1 {
		return swarmerr.NewConfigError("manifest: shards must be >= 1, got %d", m.Shards)
	}
	if m.Priority < 0 || m.Priority > 1000 {
		return swarmerr.NewConfigError("manifest: priority must be in [0,1000], got %d", m.Priority)
	}
	if m.Deadline <= 0 {
		return swarmerr.NewConfigError("manifest: deadline must be > 0, got %d", m.Deadline)
	}
	if m.TaskName == "" {
		return swarmerr.NewConfigError("manifest: task_name must be set before freezing")
	}
	return nil
}

// Freeze validates the manifest and marks it immutable. It is called after
// the bundle has been materialized and before submission (§3 Lifecycles);
// calling it again on a frozen manifest is a no-op.
func (m *Manifest) Freeze() error {
	if m.frozen {
		return nil
	}
	if err := m.Validate(); err != nil {
		return err
	}
	m.frozen = true
	return nil
}

// Frozen reports whether Freeze has been called.
func (m *Manifest) Frozen() bool { return m.frozen }
