package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/please-build/swarming/src/swarming"
)

// collectCmd implements "swarm collect": resolve a previously submitted
// task's shard keys, poll each one to completion, fetch output artifacts,
// write summary.json, and exit with the worst shard's exit code.
type collectCmd struct {
	Output string `long:"output" default:"." description:"Directory to write summary.json and fetched artifacts into"`

	Args struct {
		TaskName string `positional-arg-name:"task-name" required:"true"`
	} `positional-args:"true"`
}

func (c *collectCmd) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dispatcher := swarming.NewDispatcher(cfg.Dispatcher.BaseURL.TrimSlash(), nil, log, cfg.Dispatcher.RequestTimeout.Range())

	ctx := context.Background()
	taskKeys, err := dispatcher.ResolveTaskKeys(ctx, c.Args.TaskName)
	if err != nil {
		die("collect: resolving task keys: %s", err)
	}

	fetcher := swarming.NewOutputFetcher(nil, log, cfg.Dispatcher.RequestTimeout.Range())
	collector := &swarming.Collector{
		Dispatcher:      dispatcher,
		Fetcher:         fetcher,
		PerShardTimeout: cfg.Dispatcher.PollTimeout.Range(),
	}

	if err := os.MkdirAll(c.Output, 0755); err != nil {
		return err
	}

	summary, err := collector.Collect(ctx, c.Args.TaskName, taskKeys, c.Output, time.Now())
	if err != nil {
		die("collect: %s", err)
	}
	if missing := summary.MissingShards(); len(missing) > 0 {
		log.Warning("shards never completed: %v", missing)
	}
	fmt.Printf("wrote summary for %s (exit code %d)\n", c.Args.TaskName, summary.ExitCode())
	os.Exit(summary.ExitCode())
	return nil
}
