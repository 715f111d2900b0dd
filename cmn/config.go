/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"sync"

	"go.uber.org/atomic"
)

type (
	// Config holds the handful of runtime knobs the cache needs. Config is
	// loaded once, then updated through BeginUpdate/CommitUpdate so readers
	// never observe a half-applied config.
	Config struct {
		// TaskCache: initial value of a new aggregator's task-cache flag
		// (SetTaskCache changes it afterwards); the aggregator refreshes the
		// task-data sub-cache only while that flag is true. Defaults to
		// false so the same cache type serves the main (task-less) pipeline.
		TaskCache bool

		// WarnOnMissingEntry: log a warning (vs silent skip) when a cached
		// current-state key returned by a children listing comes back with
		// a null stat. Null records on a full refetch are always logged.
		WarnOnMissingEntry bool

		// FullRefreshOnStart is not read by the cache: every dirty bit
		// starts set regardless, and no log level depends on it.
		FullRefreshOnStart bool
	}

	globalConfigOwner struct {
		mtx sync.Mutex
		c   atomic.Value // *Config
	}
)

// GCO (Global Config Owner) holds the process-wide Config, swapped
// atomically so readers never observe a torn update.
var GCO = &globalConfigOwner{}

func init() {
	GCO.c.Store(&Config{WarnOnMissingEntry: true, FullRefreshOnStart: true})
}

func (gco *globalConfigOwner) Get() *Config {
	return gco.c.Load().(*Config)
}

// BeginUpdate must be followed by CommitUpdate or DiscardUpdate.
func (gco *globalConfigOwner) BeginUpdate() *Config {
	gco.mtx.Lock()
	cur := gco.Get()
	clone := *cur
	return &clone
}

func (gco *globalConfigOwner) CommitUpdate(config *Config) {
	gco.c.Store(config)
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) DiscardUpdate() {
	gco.mtx.Unlock()
}
