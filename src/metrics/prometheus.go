// Package metrics reports operational counters to an external Prometheus
// pushgateway. Because the swarming client runs as a transient process we
// can't wait around for Prometheus to scrape us, we've got to push to them.
package metrics

import (
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/please-build/swarming/src/config"
	"github.com/please-build/swarming/src/logging"
	"github.com/please-build/swarming/src/process"
)

var log = logging.Log

// maxErrors is the number of consecutive push failures after which we stop
// attempting to send metrics at all.
const maxErrors = 3

type metrics struct {
	url            string
	newMetrics     bool
	ticker         *time.Ticker
	cancelled      bool
	errors         int
	pushes         int
	timeout        time.Duration
	casCounter     *prometheus.CounterVec
	shardCounter   *prometheus.CounterVec
	memoizeCounter *prometheus.CounterVec
	casHistogram   *prometheus.HistogramVec
	pollHistogram  *prometheus.HistogramVec
	registry       *prometheus.Registry
}

// m is the singleton metrics instance; nil until InitFromConfig is called.
var m *metrics

// buckets are the histogram buckets we use for durations, in seconds.
var buckets = []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 25.0, 50.0, 100.0, 250.0, 500.0}

// InitFromConfig sets up the singleton metrics instance from the given
// configuration. It is a no-op if no pushgateway URL is configured.
func InitFromConfig(cfg *config.Configuration) {
	if cfg.Metrics.PushGatewayURL != "" {
		defer func() {
			if r := recover(); r != nil {
				log.Fatalf("%s", r)
			}
		}()
		m = initMetrics(cfg.Metrics.PushGatewayURL.String(), time.Duration(cfg.Metrics.PushFrequency),
			time.Duration(cfg.Metrics.PushTimeout), cfg.CustomMetricLabels)
	}
}

// initMetrics initialises a new metrics instance. Deliberately not exposed
// outside the package except via InitFromConfig; tests call it directly.
func initMetrics(url string, frequency, timeout time.Duration, customLabels map[string]string) *metrics {
	constLabels := prometheus.Labels{}
	if u, err := user.Current(); err == nil {
		constLabels["user"] = u.Username
	} else if username := os.Getenv("USER"); username != "" {
		constLabels["user"] = username
	}
	constLabels["arch"] = runtime.GOOS + "_" + runtime.GOARCH
	for k, v := range customLabels {
		constLabels[k] = deriveLabelValue(v)
	}

	m := &metrics{
		url:      url,
		timeout:  timeout,
		ticker:   time.NewTicker(frequency),
		registry: prometheus.NewRegistry(),
	}

	m.casCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "cas_transfers_total",
		Help:        "Count of CAS blob transfers, by operation and outcome",
		ConstLabels: constLabels,
	}, []string{"op", "outcome"})

	m.shardCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "shard_polls_total",
		Help:        "Count of shard poll attempts and completions, by outcome",
		ConstLabels: constLabels,
	}, []string{"outcome"})

	m.memoizeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "memoize_lookups_total",
		Help:        "Count of memoization cache lookups, by hit or miss",
		ConstLabels: constLabels,
	}, []string{"result"})

	m.casHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "cas_transfer_durations_seconds",
		Help:        "Durations of individual CAS blob transfers",
		Buckets:     buckets,
		ConstLabels: constLabels,
	}, []string{"op"})

	m.pollHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "shard_completion_durations_seconds",
		Help:        "Time from task submission to a shard's result being collected",
		Buckets:     buckets,
		ConstLabels: constLabels,
	}, []string{})

	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m.registry.MustRegister(m.casCounter, m.shardCounter, m.memoizeCounter, m.casHistogram, m.pollHistogram)

	go m.keepPushing()
	return m
}

// Stop shuts down the metrics and ensures the final ones are sent before
// returning. Safe to call even if InitFromConfig was never called.
func Stop() {
	if m != nil {
		m.stop()
	}
}

func (m *metrics) stop() {
	m.ticker.Stop()
	if !m.cancelled {
		m.errors = m.pushMetrics()
	}
}

// RecordCASTransfer records the outcome of a single CAS Put/Get/Exists call.
func RecordCASTransfer(op string, success bool, d time.Duration) {
	if m != nil {
		m.recordCASTransfer(op, success, d)
	}
}

func (m *metrics) recordCASTransfer(op string, success bool, d time.Duration) {
	m.casCounter.WithLabelValues(op, outcome(success)).Inc()
	m.casHistogram.WithLabelValues(op).Observe(d.Seconds())
	m.newMetrics = true
}

// RecordShardPoll records one poll attempt outcome: "pending", "done",
// "timeout", or "error".
func RecordShardPoll(outcome string) {
	if m != nil {
		m.shardCounter.WithLabelValues(outcome).Inc()
		m.newMetrics = true
	}
}

// RecordShardCompletion records the wall-clock time between task submission
// and a shard's result arriving.
func RecordShardCompletion(d time.Duration) {
	if m != nil {
		m.pollHistogram.WithLabelValues().Observe(d.Seconds())
		m.newMetrics = true
	}
}

// RecordMemoizeLookup records whether a build-signature cache lookup hit or
// missed.
func RecordMemoizeLookup(hit bool) {
	if m != nil {
		m.memoizeCounter.WithLabelValues(outcome(hit)).Inc()
		m.newMetrics = true
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *metrics) keepPushing() {
	for range m.ticker.C {
		m.errors = m.pushMetrics()
		if m.errors >= maxErrors {
			log.Warning("Metrics don't seem to be working, giving up")
			m.cancelled = true
			return
		}
	}
}

// deadline runs f and returns its error, or a timeout error if it hasn't
// completed within timeout.
func deadline(f func() error, timeout time.Duration) error {
	c := make(chan error, 1)
	go func() { c <- f() }()
	select {
	case err := <-c:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("metrics push timed out")
	}
}

// pushMetrics attempts to send some new metrics to the pushgateway. It
// returns the new consecutive-error count.
func (m *metrics) pushMetrics() int {
	if !m.newMetrics {
		return m.errors
	}
	start := time.Now()
	m.newMetrics = false
	if err := deadline(func() error {
		return push.New(m.url, "swarm").Gatherer(m.registry).Grouping("instance", hostnameOrUnknown()).Push()
	}, m.timeout); err != nil {
		log.Warning("Could not push metrics to the repository: %s", err)
		m.newMetrics = true
		return m.errors + 1
	}
	m.pushes++
	log.Debug("Push #%d of metrics in %0.3fs", m.pushes, time.Since(start).Seconds())
	return 0
}

func hostnameOrUnknown() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// deriveLabelValue runs cmd and returns its trimmed stdout, for const labels
// that should reflect some property of the local machine (e.g. a build
// fleet identifier).
func deriveLabelValue(cmd string) string {
	parts, err := shlex.Split(cmd)
	if err != nil {
		panic(fmt.Sprintf("invalid custom metric command [%s]: %s", cmd, err))
	}
	log.Debug("Running custom label command: %s", cmd)
	b, err := process.ExecCommand(parts...)
	if err != nil {
		panic(fmt.Sprintf("custom metric command [%s] failed: %s", cmd, err))
	}
	value := strings.TrimSpace(string(b))
	if strings.Contains(value, "\n") {
		panic(fmt.Sprintf("return value of custom metric command [%s] contains newlines: %s", cmd, value))
	}
	return value
}
