// Command swarm is a thin exerciser for the swarming client core: trigger a
// sharded task, collect its results, run a memoized build step, or list
// live workers. Per §1 the command-line front end is explicitly out of
// scope for the core; this binary exists only to drive it from a shell,
// mirroring the donor's ParseFlagsOrDie convention.
package main

import (
	"fmt"
	"os"

	flags "github.com/thought-machine/go-flags"

	"github.com/please-build/swarming/src/cli"
	"github.com/please-build/swarming/src/config"
	"github.com/please-build/swarming/src/logging"
	"github.com/please-build/swarming/src/metrics"
)

var log = logging.Log

var opts struct {
	Verbosity cli.Verbosity `short:"v" long:"verbosity" default:"2" description:"Verbosity of output (5 = debug, 0 = critical)"`
	Config    string        `long:"config" description:"Path to an additional .swarmconfig-style file to read"`

	Trigger triggerCmd `command:"trigger" description:"Archive an isolated tree, submit a sharded task, and print its task name"`
	Collect collectCmd `command:"collect" description:"Poll a previously submitted task's shards and fetch their output artifacts"`
	Run     runCmd     `command:"run" description:"Run a memoized build step, reusing a prior result from the cache when possible"`
	Bots    botsCmd    `command:"bots" description:"List workers known to the dispatcher"`
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "swarm"
	if _, err := parser.Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			fmt.Printf("%s\n", err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the layered config files plus opts.Config if set, and
// initialises logging and metrics from the result.
func loadConfig() (*config.Configuration, error) {
	logging.InitLogging(logging.Level(opts.Verbosity))
	cfg, err := config.ReadConfigFiles()
	if err != nil {
		return nil, err
	}
	if opts.Config != "" {
		if err := config.ReadConfigFile(cfg, opts.Config); err != nil {
			return nil, err
		}
	}
	metrics.InitFromConfig(cfg)
	return cfg, nil
}

// die prints a single-line diagnostic and exits 1, per §7 "every fatal
// error prints a single-line diagnostic to the standard error channel plus
// exit code 1".
func die(format string, args ...interface{}) {
	log.Error(format, args...)
	os.Exit(1)
}
