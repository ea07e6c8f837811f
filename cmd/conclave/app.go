package main

import (
	"fmt"

	"conclave/internal/config"
	"conclave/internal/logging"
	"conclave/internal/pipeline"
	"conclave/internal/provider"
	"conclave/internal/store"
	"conclave/internal/stream"
	"conclave/internal/usage"
)

// app holds the wired components shared by ask and serve.
type app struct {
	cfg      *config.Config
	sched    *provider.Scheduler
	ctrl     *pipeline.Controller
	store    *store.RunStore      // nil when persistence is disabled
	recorder *store.AsyncRecorder // nil when persistence is disabled
	usage    *usage.Tracker       // nil when usage tracking is disabled
}

// newApp builds the registry, scheduler, persistence, usage tracker and
// controller from cfg.
func newApp(cfg *config.Config) (*app, error) {
	policy, err := pipeline.PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := provider.RegistryFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	limits := make(map[string]int, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		limits[id] = pc.MaxConcurrent
	}
	a.sched = provider.NewScheduler(limits, 4)

	opts := pipeline.Options{
		Registry:    reg,
		Scheduler:   a.sched,
		Policy:      policy,
		Stream:      streamOptions(cfg),
		Coalesce:    cfg.Coalesce.Enabled,
		NegativeTTL: cfg.Timeouts().NegativeTTL,
		Retention:   cfg.Timeouts().StreamRetention,
	}

	if cfg.Store.Enabled {
		a.store, err = store.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			a.close()
			return nil, err
		}
		a.recorder = store.NewAsyncRecorder(a.store, cfg.Store.QueueSize)
		opts.Recorder = a.recorder
	}
	if cfg.Usage.Enabled {
		a.usage, err = usage.NewTracker(cfg.Usage.Path, usage.DefaultSaveDelay)
		if err != nil {
			a.close()
			return nil, err
		}
		opts.Usage = a.usage
	}

	a.ctrl, err = pipeline.New(opts)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	logging.Boot("pipeline ready: %d stages, %d reviewers, providers=%v",
		len(policy.Stages)+1, len(policy.Reviewers), reg.IDs())
	return a, nil
}

func streamOptions(cfg *config.Config) stream.Options {
	t := cfg.Timeouts()
	return stream.Options{
		QueueSize:           cfg.Stream.QueueSize,
		BackpressureTimeout: t.BackpressureTimeout,
		ReplayLimit:         cfg.Stream.ReplayLimit,
		Retention:           t.StreamRetention,
	}
}

// close shuts components down in dependency order: runs first, then the
// writers they feed.
func (a *app) close() {
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to close store: %v", err)
		}
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			logging.Get(logging.CategoryUsage).Error("Failed to save usage: %v", err)
		}
	}
}
