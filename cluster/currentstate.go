/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"context"

	"github.com/golang/glog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ais-cluster/clustercache/accessor"
	"github.com/ais-cluster/clustercache/cmn"
	"github.com/ais-cluster/clustercache/cmn/debug"
)

// CurrentStateCache rebuilds a flat entry store and a three-level
// instance -> session -> stateName view from the metadata store, comparing
// per-entry stats to avoid refetching unchanged entries. This is the
// largest and most volatile sub-cache.
type CurrentStateCache struct {
	snap atomic.Value // *currentStateSnapshot
}

type currentStateSnapshot struct {
	entries map[string]*accessor.Record                // key.Path() -> record
	view    map[string]map[string]map[string]*CurrentState // instance -> session -> stateName -> parsed record
}

func NewCurrentStateCache() *CurrentStateCache {
	c := &CurrentStateCache{}
	c.snap.Store(&currentStateSnapshot{
		entries: map[string]*accessor.Record{},
		view:    map[string]map[string]map[string]*CurrentState{},
	})
	return c
}

func (c *CurrentStateCache) snapshot() *currentStateSnapshot {
	return c.snap.Load().(*currentStateSnapshot)
}

// Refresh rebuilds the entry store and view in six steps: enumerate the
// expected key set, split it into known-vs-new keys, stat-compare the
// known ones, refetch whatever is new or changed, then reparse into the
// nested view. liveInstances must be the freshly-snapshotted live map for
// this refresh - live maps are snapshotted before sub-cache refreshes
// consume them.
func (c *CurrentStateCache) Refresh(ctx context.Context, acc accessor.Accessor, liveInstances map[string]*LiveInstance) error {
	old := c.snapshot()
	kb := acc.KeyBuilder()

	expected, err := c.enumerateExpectedKeys(ctx, acc, kb, liveInstances)
	if err != nil {
		return err
	}

	newKeys := make([]accessor.PropertyKey, 0, len(expected))
	maybeCached := make([]accessor.PropertyKey, 0, len(expected))
	for _, k := range expected {
		if _, ok := old.entries[k.Path()]; ok {
			maybeCached = append(maybeCached, k)
		} else {
			newKeys = append(newKeys, k)
		}
	}

	newEntries := make(map[string]*accessor.Record, len(expected))
	reloadKeys := make([]accessor.PropertyKey, 0, len(newKeys))
	reloadKeys = append(reloadKeys, newKeys...)

	if len(maybeCached) > 0 {
		stats, err := acc.GetPropertyStats(ctx, maybeCached)
		if err != nil {
			return accessor.WrapTransportErr("GetPropertyStats(currentState)", err)
		}
		debug.Assert(len(stats) == len(maybeCached), "stat batch must align positionally with input keys")
		for i, k := range maybeCached {
			stat := stats[i]
			if stat == nil {
				if cmn.GCO.Get().WarnOnMissingEntry {
					glog.Warningf("current-state stat for %s came back nil; scheduling reload", k.Path())
				}
				reloadKeys = append(reloadKeys, k)
				continue
			}
			cached := old.entries[k.Path()]
			if cached.BucketSize == 0 && cached.Stat.Equal(*stat) {
				newEntries[k.Path()] = cached
				continue
			}
			reloadKeys = append(reloadKeys, k)
		}
	}

	if len(reloadKeys) > 0 {
		records, err := acc.GetProperties(ctx, reloadKeys, false)
		if err != nil {
			return accessor.WrapTransportErr("GetProperties(currentState)", err)
		}
		debug.Assert(len(records) == len(reloadKeys), "record batch must align positionally with input keys")
		for i, k := range reloadKeys {
			rec := records[i]
			if rec == nil {
				glog.Warningf("%v", cmn.NewMissingEntryError(k.Path()))
				continue
			}
			newEntries[k.Path()] = rec
		}
	}

	view := make(map[string]map[string]map[string]*CurrentState, len(liveInstances))
	for _, rec := range newEntries {
		k := rec.Key
		var cs CurrentState
		if err := jsonAPI.Unmarshal(rec.Body, &cs); err != nil {
			glog.Errorf("failed to parse current-state %s: %v", k.Path(), err)
			continue
		}
		cs.Instance, cs.Session, cs.StateName = k.Instance(), k.Session(), k.StateName()
		cs.BucketSize = rec.BucketSize
		bySession, ok := view[cs.Instance]
		if !ok {
			bySession = map[string]map[string]*CurrentState{}
			view[cs.Instance] = bySession
		}
		byName, ok := bySession[cs.Session]
		if !ok {
			byName = map[string]*CurrentState{}
			bySession[cs.Session] = byName
		}
		byName[cs.StateName] = &cs
	}

	c.snap.Store(&currentStateSnapshot{entries: newEntries, view: view})
	return nil
}

func (c *CurrentStateCache) enumerateExpectedKeys(
	ctx context.Context, acc accessor.Accessor, kb accessor.KeyBuilder, liveInstances map[string]*LiveInstance,
) ([]accessor.PropertyKey, error) {
	type listing struct {
		instance string
		session  string
		names    []string
	}
	listings := make([]listing, len(liveInstances))
	instances := make([]string, 0, len(liveInstances))
	for inst := range liveInstances {
		instances = append(instances, inst)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range instances {
		i, inst := i, inst
		session := liveInstances[inst].SessionID
		g.Go(func() error {
			names, err := acc.Children(gctx, kb.CurrentStates(inst, session))
			if err != nil {
				return accessor.WrapTransportErr("Children(currentStates)", err)
			}
			listings[i] = listing{instance: inst, session: session, names: names}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	expected := make([]accessor.PropertyKey, 0)
	for _, l := range listings {
		for _, name := range l.names {
			expected = append(expected, kb.CurrentState(l.instance, l.session, name))
		}
	}
	return expected, nil
}

// GetCurrentStatesMap returns the full instance -> session -> stateName
// view as of the last successful refresh.
func (c *CurrentStateCache) GetCurrentStatesMap() map[string]map[string]map[string]*CurrentState {
	return c.snapshot().view
}

// GetCurrentStates returns session -> stateName -> record for instance,
// or an empty map if the instance has no current-state entries.
func (c *CurrentStateCache) GetCurrentStates(instance string) map[string]map[string]*CurrentState {
	if m, ok := c.snapshot().view[instance]; ok {
		return m
	}
	return map[string]map[string]*CurrentState{}
}

// GetCurrentState returns stateName -> record for (instance, session), or
// an empty map if absent.
func (c *CurrentStateCache) GetCurrentState(instance, session string) map[string]*CurrentState {
	if bySession, ok := c.snapshot().view[instance]; ok {
		if byName, ok := bySession[session]; ok {
			return byName
		}
	}
	return map[string]*CurrentState{}
}
