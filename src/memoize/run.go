package memoize

import (
	"context"
	"os"
	"time"

	"github.com/please-build/swarming/src/cas"
	"github.com/please-build/swarming/src/fs"
	"github.com/please-build/swarming/src/metrics"
	"github.com/please-build/swarming/src/process"
	"github.com/please-build/swarming/src/swarmerr"
)

// DefaultCommandTimeout bounds how long a single memoized command may run
// before the executor escalates from SIGTERM to SIGKILL.
const DefaultCommandTimeout = 30 * time.Minute

// Options configures a single Run call.
type Options struct {
	// UseCached, when true, consults the cache before running commands
	// (§4.3 "Run": "If ... use_cached=true, the cached output is
	// materialized into output_dir and the commands are skipped").
	UseCached bool
	// CompilerCmd is folded into the build signature's system summary
	// fingerprint (§9 "Version string in system summary"), e.g. "gcc -v".
	CompilerCmd string
	// WorkingDir is the scratch directory commands run in. A process-
	// private temporary directory is used if empty, satisfying §5's
	// "multiple concurrent Runs are safe as long as their working_dirs
	// are disjoint ... via a per-run temporary directory when
	// unspecified".
	WorkingDir string
	// Timeout bounds each command; DefaultCommandTimeout if zero.
	Timeout time.Duration
	// Env is appended to each command's environment.
	Env []string
}

// Run executes commands in a scratch working directory, with %(name)s
// substitutions applied immediately before each one is invoked, writing
// results into outputDir (§4.3). If a cached result for the computed
// build signature exists and opts.UseCached is true, it is materialized
// into outputDir and commands are skipped entirely - the second of two
// identical Run calls performs zero command invocations (§8 property 3).
func Run(ctx context.Context, client *cas.Client, pkg string, inputs Inputs, outputDir string, commands [][]string, opts Options) error {
	summary := SystemSummary(opts.CompilerCmd)
	hasher := fs.NewPathHasher("")
	signature, err := Signature(pkg, inputs, commands, summary, hasher)
	if err != nil {
		return swarmerr.NewConfigError("memoize: failed to compute build signature for %s: %s", pkg, err)
	}

	if opts.UseCached {
		hit, err := Fetch(ctx, client, pkg, signature, outputDir)
		if err != nil {
			return err
		}
		metrics.RecordMemoizeLookup(hit)
		if hit {
			log.Debug("memoize: %s: signature %s served from cache", pkg, signature)
			return nil
		}
		log.Debug("memoize: %s: signature %s not cached, running commands", pkg, signature)
	}

	workDir := opts.WorkingDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "memoize-"+pkg+"-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		workDir = dir
	}
	if err := os.MkdirAll(outputDir, fs.DirPermissions); err != nil {
		return err
	}

	executor := process.New()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	env := opts.Env
	if len(env) > 0 {
		env = append(os.Environ(), env...)
	}
	for _, argv := range commands {
		substituted, err := Substitute(argv, inputs, outputDir, signature)
		if err != nil {
			return err
		}
		_, combined, err := executor.ExecWithTimeout(ctx, workDir, env, timeout, substituted)
		if err != nil {
			// A failed command is fatal: no output is published and the
			// signature is not recorded (§4.3 "Failure semantics").
			return swarmerr.NewConfigError("memoize: %s: command %v failed: %s\n%s", pkg, argv, err, combined)
		}
	}

	Publish(ctx, client, pkg, signature, outputDir)
	return nil
}
