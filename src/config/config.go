// Package config reads the swarming client's layered INI configuration
// files, mirroring the donor's .plzconfig resolution: a machine-level file,
// a user file, a repo file and a local override, each overriding the last.
package config

import (
	"os"
	"path/filepath"

	gcfg "github.com/please-build/gcfg"

	"github.com/please-build/swarming/src/cli"
	"github.com/please-build/swarming/src/logging"
)

var log = logging.Log

// MachineConfigFileName is the machine-level config file; useful for fleet
// defaults such as a shared dispatcher URL.
const MachineConfigFileName = "/etc/swarmconfig"

// UserConfigFileName is the per-user config file, for all of a user's repos.
const UserConfigFileName = "~/.swarm/swarmconfig"

// RepoConfigFileName is the repo-level config, normally checked in.
const RepoConfigFileName = ".swarmconfig"

// LocalConfigFileName overrides the repo config on one machine; normally
// not checked in.
const LocalConfigFileName = ".swarmconfig.local"

// Configuration holds every tunable of the swarming client core, read from
// the layered config files and overridable by command-line flags.
type Configuration struct {
	Dispatcher struct {
		BaseURL        cli.URL      `help:"Base URL of the dispatch server, e.g. https://swarm.example.com."`
		RequestTimeout cli.Duration `help:"Timeout for a single HTTP request to the dispatcher."`
		PollTimeout    cli.Duration `help:"Maximum time to wait for a single shard's result."`
	} `help:"The [dispatcher] section configures how the client talks to the swarming dispatch server."`
	CAS struct {
		Backend       string       `help:"CAS backend to use: 'http' or 'dir'."`
		WriteURL      cli.URL      `help:"URL (or directory, for the dir backend) the client uploads blobs to."`
		ReadURLs      []string     `help:"Ordered list of URLs (or directories) to read blobs from, tried in order."`
		Namespace     string       `help:"CAS namespace. Read from the config file but not applied: CAS keys are used without a namespace prefix."`
		Concurrency   int          `help:"Number of concurrent blob transfers."`
		RequestTimeout cli.Duration `help:"Timeout for a single CAS HTTP request."`
	} `help:"The [cas] section configures the content-addressed store client."`
	Memoize struct {
		Backend     string `help:"CAS backend used to store memoized build outputs: 'http' or 'dir'."`
		URL         cli.URL `help:"URL (or directory) of the memoization cache backend."`
		UseCached   bool   `help:"Whether to consult the cache before running commands."`
		CompilerCmd string `help:"Command whose version output is folded into the build signature's system summary." example:"gcc -v"`
	} `help:"The [memoize] section configures the memoization engine's cache backend."`
	Metrics struct {
		PushGatewayURL cli.URL      `help:"URL of the Prometheus pushgateway to send metrics to."`
		PushFrequency  cli.Duration `help:"How often to push metrics."`
		PushTimeout    cli.Duration `help:"Timeout for a single push to the metrics repository."`
	} `help:"The [metrics] section configures metrics reporting."`
	CustomMetricLabels map[string]string `help:"Arbitrary const labels attached to every metric, each value being a shell command whose stdout becomes the label value."`
}

// DefaultConfiguration returns a Configuration with every field set to a
// usable default, so an empty config file is a valid one.
func DefaultConfiguration() *Configuration {
	config := &Configuration{}
	config.Dispatcher.RequestTimeout = cli.Duration(30_000_000_000)  // 30s
	config.Dispatcher.PollTimeout = cli.Duration(600_000_000_000)    // 10m
	config.CAS.Backend = "http"
	config.CAS.Concurrency = 8
	config.CAS.RequestTimeout = cli.Duration(60_000_000_000) // 60s
	config.Memoize.Backend = "http"
	config.Memoize.UseCached = true
	config.Memoize.CompilerCmd = "gcc -v"
	config.Metrics.PushFrequency = cli.Duration(60_000_000_000)  // 1m
	config.Metrics.PushTimeout = cli.Duration(5_000_000_000)     // 5s
	return config
}

// ReadConfigFile reads a single config file into config, tolerating a
// missing file (that is not an error - it's just not present) but not a
// malformed one. Exported so a caller can layer an extra file (e.g. one
// named on the command line) on top of ReadConfigFiles' result.
func ReadConfigFile(config *Configuration, filename string) error {
	log.Debug("Reading config from %s...", filename)
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil
	} else if gcfg.FatalOnly(err) != nil {
		return err
	} else if err != nil {
		log.Warning("Error in config file %s: %s", filename, err)
	}
	return nil
}

// ReadConfigFiles reads every config file that exists, in increasing order
// of precedence, and merges them into one Configuration.
func ReadConfigFiles() (*Configuration, error) {
	home, _ := os.UserHomeDir()
	user := UserConfigFileName
	if home != "" {
		user = filepath.Join(home, ".swarm", "swarmconfig")
	}
	config := DefaultConfiguration()
	for _, filename := range []string{MachineConfigFileName, user, RepoConfigFileName, LocalConfigFileName} {
		if err := ReadConfigFile(config, filename); err != nil {
			return config, err
		}
	}
	if len(config.CAS.ReadURLs) == 0 && config.CAS.WriteURL != "" {
		config.CAS.ReadURLs = []string{string(config.CAS.WriteURL)}
	}
	return config, nil
}
