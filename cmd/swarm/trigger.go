package main

import (
	"context"
	"fmt"

	"github.com/please-build/swarming/src/cas"
	"github.com/please-build/swarming/src/swarming"
)

// triggerCmd implements "swarm trigger": archive an isolated tree (or
// reuse an existing digest), submit a sharded task to the dispatcher, and
// print the resulting task name so a later "swarm collect" can find it.
type triggerCmd struct {
	Isolated   string            `long:"isolated" description:"Path to a local isolated file to archive and submit"`
	Digest     string            `long:"digest" description:"Digest of an already-uploaded isolated tree, instead of --isolated"`
	Shards     int               `long:"shards" default:"1" description:"Number of shards to request"`
	Dimensions map[string]string `long:"dimension" description:"Bot dimension, e.g. --dimension os=linux"`
}

func (c *triggerCmd) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.Isolated == "" && c.Digest == "" {
		return fmt.Errorf("one of --isolated or --digest is required")
	}

	client, err := casClientFromConfig(cfg)
	if err != nil {
		return err
	}
	dispatcher := swarming.NewDispatcher(cfg.Dispatcher.BaseURL.TrimSlash(), nil, log, cfg.Dispatcher.RequestTimeout.Range())

	manifest := swarming.NewManifest(c.Shards, c.Dimensions)
	for _, arg := range args {
		manifest.Tests = append(manifest.Tests, swarming.TestCase{
			Name:   arg,
			Action: []string{arg},
		})
	}

	ctx := context.Background()
	taskName, err := swarming.Trigger(ctx, client, dispatcher, manifest, c.Isolated, cas.Digest(c.Digest))
	if err != nil {
		die("trigger: %s", err)
	}
	fmt.Println(taskName)
	return nil
}
