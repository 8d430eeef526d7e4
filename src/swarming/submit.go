package swarming

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/please-build/swarming/src/cas"
	"github.com/please-build/swarming/src/isolate"
	"github.com/please-build/swarming/src/swarmerr"
)

// Trigger is the full §4.2.1/§4.2.2 preparation-and-submission flow: given
// either a local isolated file or a raw digest, it archives missing pieces,
// derives a task name, rewrites the shard environment, uploads a
// deterministic bootstrap bundle, freezes the manifest and submits it.
func Trigger(ctx context.Context, client *cas.Client, dispatcher *Dispatcher, manifest *Manifest, isolatedPath string, digest cas.Digest) (taskName string, err error) {
	rootDigest, err := resolveIsolated(ctx, client, isolatedPath, digest)
	if err != nil {
		return "", err
	}

	bundleDigest, err := isolate.DefaultBootstrap().Upload(ctx, client)
	if err != nil {
		return "", err
	}
	manifest.AddData(string(bundleDigest), "swarm_bootstrap.zip")

	manifest.ApplyShardEnv()
	isolatedBaseName := ""
	if isolatedPath != "" {
		isolatedBaseName = filepath.Base(isolatedPath)
	}
	manifest.DeriveTaskName(isolatedBaseName, rootDigest, time.Now())

	if err := manifest.Freeze(); err != nil {
		return "", err
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	resp, err := dispatcher.Submit(ctx, manifestJSON)
	if err != nil {
		return "", err
	}
	if _, ok := resp["task_id"]; !ok {
		if _, ok := resp["test_case_runs"]; !ok {
			return "", swarmerr.NewConfigError("submit: dispatcher response has no recognised task-keys field: %v", resp)
		}
	}
	return manifest.TaskName, nil
}

// resolveIsolated implements §4.2.1's "Input forms": a local isolated file
// is archived via CAS to produce a digest; a raw digest is validated and
// used directly. An invalid digest is a fatal ConfigError.
func resolveIsolated(ctx context.Context, client *cas.Client, isolatedPath string, digest cas.Digest) (cas.Digest, error) {
	if isolatedPath != "" {
		return isolate.Archive(ctx, client, isolatedPath)
	}
	if digest == "" {
		return "", swarmerr.NewConfigError("must supply either an isolated file path or a digest")
	}
	if err := cas.ValidateDigest(digest, client.Algo()); err != nil {
		return "", swarmerr.NewConfigError("invalid digest: %s", err)
	}
	return digest, nil
}
