package main

import (
	"context"
	"fmt"

	"github.com/please-build/swarming/src/swarming"
)

// botsCmd implements "swarm bots": list the workers currently known to the
// dispatcher, one of SPEC_FULL.md's supplemented query operations beyond
// the distilled trigger/collect surface.
type botsCmd struct{}

func (c *botsCmd) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dispatcher := swarming.NewDispatcher(cfg.Dispatcher.BaseURL.TrimSlash(), nil, log, cfg.Dispatcher.RequestTimeout.Range())

	ctx := context.Background()
	resp, err := dispatcher.ListBots(ctx)
	if err != nil {
		die("bots: %s", err)
	}
	for _, bot := range resp.Machines {
		fmt.Printf("%s\tlast_seen=%s\tdimensions=%v\n", bot.Tag, bot.LastSeen, bot.Dimensions)
	}
	return nil
}
