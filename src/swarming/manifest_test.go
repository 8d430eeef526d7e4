package swarming

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestValidate(t *testing.T) {
	m := NewManifest(0, nil)
	assert.Error(t, m.Validate())

	m = NewManifest(2, nil)
	m.Priority = 2000
	assert.Error(t, m.Validate())

	m = NewManifest(2, nil)
	m.Deadline = 0
	assert.Error(t, m.Validate())

	m = NewManifest(2, nil)
	assert.Error(t, m.Validate(), "task name is required before freezing")
	m.TaskName = "x"
	assert.NoError(t, m.Validate())
}

func TestManifestApplyShardEnv(t *testing.T) {
	single := NewManifest(1, nil)
	single.ApplyShardEnv()
	assert.NotContains(t, single.Env, "GTEST_SHARD_INDEX")

	sharded := NewManifest(4, nil)
	sharded.ApplyShardEnv()
	assert.Equal(t, "%(instance_index)s", sharded.Env["GTEST_SHARD_INDEX"])
	assert.Equal(t, "%(num_instances)s", sharded.Env["GTEST_TOTAL_SHARDS"])
}

func TestManifestDeriveTaskName(t *testing.T) {
	m := NewManifest(1, map[string]string{"os": "linux", "cpu": "x86_64"})
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	m.DeriveTaskName("mytest.isolated", "deadbeef", now)
	want := fmt.Sprintf("mytest.isolated/cpu=x86_64_os=linux/deadbeef/%d", now.UnixMilli())
	assert.Equal(t, want, m.TaskName)
}

func TestManifestDeriveTaskNameLeavesExplicitNameAlone(t *testing.T) {
	m := NewManifest(1, nil)
	m.TaskName = "explicit"
	m.DeriveTaskName("mytest.isolated", "deadbeef", time.Now())
	assert.Equal(t, "explicit", m.TaskName)
}

func TestManifestFreezeThenMutatePanics(t *testing.T) {
	m := NewManifest(1, nil)
	m.TaskName = "x"
	require.NoError(t, m.Freeze())
	assert.Panics(t, func() { m.SetEnv("A", "B") })
}

func TestManifestFreezeIdempotent(t *testing.T) {
	m := NewManifest(1, nil)
	m.TaskName = "x"
	require.NoError(t, m.Freeze())
	require.NoError(t, m.Freeze())
	assert.True(t, m.Frozen())
}
