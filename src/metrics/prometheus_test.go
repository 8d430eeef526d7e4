package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testURL = "http://localhost:9999"
const verySlow = time.Hour // Long enough that it never actually reports anything during a test.

func TestNoMetrics(t *testing.T) {
	m := initMetrics(testURL, verySlow, time.Second, nil)
	assert.Equal(t, 0, m.errors)
	assert.Equal(t, 0, m.pushes)
	m.stop()
	assert.Equal(t, 0, m.errors, "Stop should not push when there aren't metrics")
}

func TestSomeMetrics(t *testing.T) {
	m := initMetrics(testURL, verySlow, time.Millisecond, nil)
	m.recordCASTransfer("put", true, time.Millisecond)
	m.stop()
	assert.Equal(t, 1, m.errors, "Stop should push once more when there are metrics, and fail since nothing listens on testURL")
}

func TestPushAttempts(t *testing.T) {
	m := initMetrics(testURL, time.Millisecond, time.Millisecond, nil) // Fast push attempts.
	m.recordCASTransfer("get", false, time.Millisecond)
	time.Sleep(50 * time.Millisecond) // Should be plenty of time for several attempts.
	assert.Equal(t, maxErrors, m.errors)
	assert.True(t, m.cancelled)
	m.stop()
	assert.Equal(t, maxErrors, m.errors, "Should not push again once cancelled")
}

func TestCustomLabels(t *testing.T) {
	m := initMetrics(testURL, verySlow, time.Second, map[string]string{
		"mylabel": "echo hello",
	})
	c := m.casCounter.WithLabelValues("put", "success")
	assert.Contains(t, c.Desc().String(), `mylabel="hello"`)
}

func TestCustomLabelsShlex(t *testing.T) {
	// Naive whitespace splitting would not produce good results here.
	m := initMetrics(testURL, verySlow, time.Second, map[string]string{
		"mylabel": "bash -c 'echo hello'",
	})
	c := m.casCounter.WithLabelValues("put", "success")
	assert.Contains(t, c.Desc().String(), `mylabel="hello"`)
}

func TestCustomLabelsCommandFails(t *testing.T) {
	assert.Panics(t, func() {
		initMetrics(testURL, verySlow, time.Second, map[string]string{
			"mylabel": "false",
		})
	})
}

func TestRecordShardPollAndMemoizeLookupNoopWithoutInit(t *testing.T) {
	// m is nil at package scope until InitFromConfig runs; these must not panic.
	saved := m
	m = nil
	defer func() { m = saved }()
	RecordShardPoll("done")
	RecordMemoizeLookup(true)
	RecordShardCompletion(time.Second)
}
