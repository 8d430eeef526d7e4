package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/please-build/swarming/src/memoize"
)

// runCmd implements "swarm run": execute a memoized build step, reusing a
// prior result from the cache when one exists for the current build
// signature.
type runCmd struct {
	Package    string            `long:"package" required:"true" description:"Logical package name the build signature is scoped to"`
	Input      map[string]string `long:"input" description:"Named input, e.g. --input src=main.go"`
	Output     string            `long:"output" required:"true" description:"Directory commands write their output into"`
	NoCache    bool              `long:"no-cache" description:"Always run commands, ignoring any cached result"`
	WorkingDir string            `long:"working-dir" description:"Scratch directory to run commands in; a temp dir is used if unset"`

	Args struct {
		Commands []string `positional-arg-name:"command" required:"true"`
	} `positional-args:"true"`
}

func (c *runCmd) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := memoizeClientFromConfig(cfg)
	if err != nil {
		return err
	}

	commands, err := splitCommands(c.Args.Commands)
	if err != nil {
		return err
	}

	opts := memoize.Options{
		UseCached:   cfg.Memoize.UseCached && !c.NoCache,
		CompilerCmd: cfg.Memoize.CompilerCmd,
		WorkingDir:  c.WorkingDir,
	}

	ctx := context.Background()
	if err := memoize.Run(ctx, client, c.Package, memoize.Inputs(c.Input), c.Output, commands, opts); err != nil {
		die("run: %s", err)
	}
	fmt.Println("done")
	return nil
}

// splitCommands turns a slice of shell-like command strings (one
// positional argument per command, e.g. "gcc -c %(src)s -o %(output)s")
// into the [][]string argv form memoize.Run expects.
func splitCommands(commands []string) ([][]string, error) {
	result := make([][]string, 0, len(commands))
	for _, cmd := range commands {
		argv, err := shlex.Split(strings.TrimSpace(cmd))
		if err != nil {
			return nil, fmt.Errorf("parsing command %q: %w", cmd, err)
		}
		result = append(result, argv)
	}
	return result, nil
}
