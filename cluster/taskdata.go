/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"context"
	"sync"

	"github.com/ais-cluster/clustercache/accessor"
)

// TaskDataCache lazily fetches job/workflow contexts for resources marked
// as such in the resource-config map. The aggregator calls Refresh only
// when its isTaskCache flag is set, so the same cache type serves both the
// main (task-less) pipeline and the task pipeline.
type TaskDataCache struct {
	mu              sync.RWMutex
	jobConfigMap    map[string]*JobConfig
	workflowConfigMap map[string]*WorkflowConfig
	jobContextMap   map[string]*JobContext
	workflowContextMap map[string]*WorkflowContext
}

func NewTaskDataCache() *TaskDataCache {
	return &TaskDataCache{
		jobConfigMap:       map[string]*JobConfig{},
		workflowConfigMap:  map[string]*WorkflowConfig{},
		jobContextMap:      map[string]*JobContext{},
		workflowContextMap: map[string]*WorkflowContext{},
	}
}

// Refresh filters resourceConfigMap into typed job/workflow config views
// and loads each one's context on demand, caching it thereafter. Contexts
// already cached for a resource that's still a job/workflow are left
// untouched (lazy-load, not reload-every-time).
func (t *TaskDataCache) Refresh(ctx context.Context, acc accessor.Accessor, resourceConfigMap map[string]*ResourceConfig) error {
	kb := acc.KeyBuilder()

	jobConfigs := map[string]*JobConfig{}
	workflowConfigs := map[string]*WorkflowConfig{}
	for name, rc := range resourceConfigMap {
		switch {
		case rc.IsJob:
			jobConfigs[name] = &JobConfig{ResourceName: name, Command: rc.Fields["command"]}
		case rc.IsWorkflow:
			workflowConfigs[name] = &WorkflowConfig{ResourceName: name}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobConfigMap, t.workflowConfigMap = jobConfigs, workflowConfigs

	for name := range jobConfigs {
		if _, ok := t.jobContextMap[name]; ok {
			continue
		}
		rec, err := acc.GetProperty(ctx, kb.JobContext(name))
		if err != nil {
			return accessor.WrapTransportErr("GetProperty(jobContext)", err)
		}
		if rec == nil {
			continue
		}
		var jc JobContext
		if err := jsonAPI.Unmarshal(rec.Body, &jc); err != nil {
			continue
		}
		jc.ResourceName = name
		t.jobContextMap[name] = &jc
	}
	for name := range workflowConfigs {
		if _, ok := t.workflowContextMap[name]; ok {
			continue
		}
		rec, err := acc.GetProperty(ctx, kb.WorkflowContext(name))
		if err != nil {
			return accessor.WrapTransportErr("GetProperty(workflowContext)", err)
		}
		if rec == nil {
			continue
		}
		var wc WorkflowContext
		if err := jsonAPI.Unmarshal(rec.Body, &wc); err != nil {
			continue
		}
		wc.ResourceName = name
		t.workflowContextMap[name] = &wc
	}
	return nil
}

func (t *TaskDataCache) GetJobConfig(resource string) (*JobConfig, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jc, ok := t.jobConfigMap[resource]
	return jc, ok
}

func (t *TaskDataCache) GetWorkflowConfig(resource string) (*WorkflowConfig, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	wc, ok := t.workflowConfigMap[resource]
	return wc, ok
}

func (t *TaskDataCache) GetJobContext(resource string) (*JobContext, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jc, ok := t.jobContextMap[resource]
	return jc, ok
}

func (t *TaskDataCache) GetWorkflowContext(resource string) (*WorkflowContext, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	wc, ok := t.workflowContextMap[resource]
	return wc, ok
}

// ContextsIndex unions job and workflow contexts keyed by resource name.
func (t *TaskDataCache) ContextsIndex() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]interface{}, len(t.jobContextMap)+len(t.workflowContextMap))
	for name, jc := range t.jobContextMap {
		out[name] = jc
	}
	for name, wc := range t.workflowContextMap {
		out[name] = wc
	}
	return out
}

// UpdateJobContext writes back to the metadata store and, only on success,
// updates the in-memory cache - a failed write never leaves the cache
// pointing at state that was never persisted.
func (t *TaskDataCache) UpdateJobContext(ctx context.Context, resource string, jc *JobContext, acc accessor.Accessor) error {
	kb := acc.KeyBuilder()
	ok, err := acc.SetProperty(ctx, kb.JobContext(resource), &accessor.Record{
		Key:  kb.JobContext(resource),
		Body: marshalRecord(jc),
	})
	if err != nil || !ok {
		if err == nil {
			err = errNotAccepted
		}
		return writeBackErr(resource, err)
	}
	t.mu.Lock()
	t.jobContextMap[resource] = jc
	t.mu.Unlock()
	return nil
}

func (t *TaskDataCache) UpdateWorkflowContext(ctx context.Context, resource string, wc *WorkflowContext, acc accessor.Accessor) error {
	kb := acc.KeyBuilder()
	ok, err := acc.SetProperty(ctx, kb.WorkflowContext(resource), &accessor.Record{
		Key:  kb.WorkflowContext(resource),
		Body: marshalRecord(wc),
	})
	if err != nil || !ok {
		if err == nil {
			err = errNotAccepted
		}
		return writeBackErr(resource, err)
	}
	t.mu.Lock()
	t.workflowContextMap[resource] = wc
	t.mu.Unlock()
	return nil
}
