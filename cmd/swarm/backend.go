package main

import (
	"fmt"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/please-build/swarming/src/cas"
	"github.com/please-build/swarming/src/config"
)

// casBackend constructs a cas.Backend from a "backend kind" ("http" or
// "dir") and a URL-or-directory string, shared by the CAS and memoize
// sections of the config since both select from the same pair of
// implementations (§9 "Polymorphic CAS").
func casBackend(kind, location string, timeout time.Duration) (cas.Backend, error) {
	switch kind {
	case "", "http":
		return cas.NewHTTPBackend(location, nil, logging.MustGetLogger("cas"), timeout), nil
	case "dir":
		return cas.NewDirBackend(location), nil
	default:
		return nil, fmt.Errorf("unknown CAS backend %q: want \"http\" or \"dir\"", kind)
	}
}

// casClientFromConfig builds the main cas.Client used for task submission
// and collection, from the [cas] section of cfg.
func casClientFromConfig(cfg *config.Configuration) (*cas.Client, error) {
	write, err := casBackend(cfg.CAS.Backend, string(cfg.CAS.WriteURL), cfg.CAS.RequestTimeout.Range())
	if err != nil {
		return nil, err
	}
	var read []cas.Backend
	for _, url := range cfg.CAS.ReadURLs {
		backend, err := casBackend(cfg.CAS.Backend, url, cfg.CAS.RequestTimeout.Range())
		if err != nil {
			return nil, err
		}
		read = append(read, backend)
	}
	return cas.NewClient(write, read, cas.DefaultAlgo, cfg.CAS.Concurrency), nil
}

// memoizeClientFromConfig builds the cas.Client the memoization engine
// stores its cache entries on, from the [memoize] section of cfg.
func memoizeClientFromConfig(cfg *config.Configuration) (*cas.Client, error) {
	backend, err := casBackend(cfg.Memoize.Backend, string(cfg.Memoize.URL), 60*time.Second)
	if err != nil {
		return nil, err
	}
	return cas.NewClient(backend, nil, cas.DefaultAlgo, cas.DefaultConcurrency), nil
}
