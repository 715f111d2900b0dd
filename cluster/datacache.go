/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/ais-cluster/clustercache/accessor"
	"github.com/ais-cluster/clustercache/cmn"
	"github.com/ais-cluster/clustercache/cmn/debug"
)

// ClusterDataCache owns the four primary shadow/live category maps, the
// coarser per-category caches, the three sub-caches, and the derived
// indices, and drives selective refresh against the dirty-bit table. It is
// the single point through which a rebalance pipeline observes cluster
// state, and the only exported entry point pipeline code and external test
// harnesses need.
type ClusterDataCache struct {
	clusterName string

	mtx   sync.Mutex // serializes Refresh and the shadow-map setters
	dirty *dirtyBits

	// shadow maps: mutated only under mtx, by Refresh reloads and by the
	// SetXxx external setters; never read directly by pipeline code.
	shadowIdealStates     map[string]*IdealState
	shadowLiveInstances   map[string]*LiveInstance
	shadowInstanceConfigs map[string]*InstanceConfig
	shadowResourceConfigs map[string]*ResourceConfig

	// live maps: copied from the shadow maps in step 2 and published
	// atomically at the end of a successful Refresh; readers take the
	// struct pointer without locking.
	live atomic.Value

	currentState *CurrentStateCache
	messages     *MessageCache
	taskData     *TaskDataCache

	isTaskCache bool
	threadPool  interface{} // opaque executor handle, owned externally

	offlineIndexStale bool
	firstRun          bool

	// scratch state: mutated by pipeline stages single-threaded, never
	// concurrently with Refresh; not protected by mtx.
	missingTopStateMap         map[string]string
	targetExternalViewMap      map[string]string
	participantActiveTaskCount map[string]int
}

// liveSnapshot is the immutable value published on each successful refresh.
type liveSnapshot struct {
	idealStates     map[string]*IdealState
	liveInstances   map[string]*LiveInstance
	instanceConfigs map[string]*InstanceConfig
	resourceConfigs map[string]*ResourceConfig

	stateModelDefs map[string]*StateModelDefinition
	constraints    map[string]*ClusterConstraints
	clusterConfig  *ClusterConfig
	maintenance    *MaintenanceSignal

	isMaintenanceModeEnabled bool
	idealStateRuleMap        map[string]string

	disabledInstanceSet             map[string]struct{}
	disabledInstanceForPartitionMap map[string]map[string]map[string]struct{}
	instanceOfflineTimeMap           map[string]int64

	resourceAssignmentCache map[string]interface{}
	idealMappingCache       map[string]interface{}
}

func NewClusterDataCache(clusterName string) *ClusterDataCache {
	c := &ClusterDataCache{
		clusterName:                clusterName,
		dirty:                      newDirtyBits(),
		shadowIdealStates:          map[string]*IdealState{},
		shadowLiveInstances:        map[string]*LiveInstance{},
		shadowInstanceConfigs:      map[string]*InstanceConfig{},
		shadowResourceConfigs:      map[string]*ResourceConfig{},
		currentState:               NewCurrentStateCache(),
		messages:                   NewMessageCache(),
		taskData:                   NewTaskDataCache(),
		isTaskCache:                cmn.GCO.Get().TaskCache,
		firstRun:                   true,
		missingTopStateMap:         map[string]string{},
		targetExternalViewMap:      map[string]string{},
		participantActiveTaskCount: map[string]int{},
	}
	c.live.Store(&liveSnapshot{
		idealStates:                     map[string]*IdealState{},
		liveInstances:                   map[string]*LiveInstance{},
		instanceConfigs:                 map[string]*InstanceConfig{},
		resourceConfigs:                 map[string]*ResourceConfig{},
		stateModelDefs:                  map[string]*StateModelDefinition{},
		constraints:                     map[string]*ClusterConstraints{},
		idealStateRuleMap:               map[string]string{},
		disabledInstanceSet:             map[string]struct{}{},
		disabledInstanceForPartitionMap: map[string]map[string]map[string]struct{}{},
		instanceOfflineTimeMap:          map[string]int64{},
		resourceAssignmentCache:         map[string]interface{}{},
		idealMappingCache:               map[string]interface{}{},
	})
	return c
}

func (c *ClusterDataCache) snapshot() *liveSnapshot { return c.live.Load().(*liveSnapshot) }

// NotifyDataChange marks cat dirty; safe to call concurrently with Refresh
// and with itself.
func (c *ClusterDataCache) NotifyDataChange(cat ChangeCategory) { c.dirty.set(cat) }

// RequireFullRefresh marks every primary category dirty.
func (c *ClusterDataCache) RequireFullRefresh() { c.dirty.setAll() }

func (c *ClusterDataCache) SetTaskCache(enabled bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.isTaskCache = enabled
}

func (c *ClusterDataCache) SetAsyncTasksThreadPool(pool interface{}) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.threadPool = pool
}

func (c *ClusterDataCache) ClearMonitoringRecords() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.missingTopStateMap = map[string]string{}
	c.targetExternalViewMap = map[string]string{}
	c.participantActiveTaskCount = map[string]int{}
}

// SetIdealStates/SetLiveInstances/SetInstanceConfigs mutate the shadow map
// only; the live view they feed is only published on the next Refresh.
func (c *ClusterDataCache) SetIdealStates(list []*IdealState) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	m := make(map[string]*IdealState, len(list))
	for _, is := range list {
		m[is.ResourceName] = is
	}
	c.shadowIdealStates = m
}

func (c *ClusterDataCache) SetLiveInstances(list []*LiveInstance) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	m := make(map[string]*LiveInstance, len(list))
	for _, li := range list {
		m[li.InstanceName] = li
	}
	c.shadowLiveInstances = m
}

func (c *ClusterDataCache) SetInstanceConfigs(list []*InstanceConfig) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	m := make(map[string]*InstanceConfig, len(list))
	for _, ic := range list {
		m[ic.InstanceName] = ic
	}
	c.shadowInstanceConfigs = m
}

// Scratch-state setters/getters: opaque to the cache, mutated by pipeline
// stages single-threaded, never concurrently with Refresh.
func (c *ClusterDataCache) SetMissingTopState(resource, state string) {
	c.missingTopStateMap[resource] = state
}
func (c *ClusterDataCache) GetMissingTopStateMap() map[string]string { return c.missingTopStateMap }

func (c *ClusterDataCache) SetTargetExternalView(resource, view string) {
	c.targetExternalViewMap[resource] = view
}
func (c *ClusterDataCache) GetTargetExternalViewMap() map[string]string {
	return c.targetExternalViewMap
}

func (c *ClusterDataCache) SetParticipantActiveTaskCount(instance string, count int) {
	c.participantActiveTaskCount[instance] = count
}
func (c *ClusterDataCache) GetParticipantActiveTaskCount() map[string]int {
	return c.participantActiveTaskCount
}

// Refresh runs the full twelve-step refresh protocol. Mutually exclusive
// with itself and with the shadow-map setters via mtx.
func (c *ClusterDataCache) Refresh(ctx context.Context, acc accessor.Accessor) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	debug.AssertMutexLocked(&c.mtx)
	kb := acc.KeyBuilder()

	// step 1: reload dirty primary categories into shadow maps, invalidating
	// memo caches for any category observed dirty at refresh start. Each
	// bit is cleared before its fetch starts, not after: a NotifyDataChange
	// that lands while the fetch is in flight must survive as a re-set bit,
	// not be silently dropped by a clear issued after the fact.
	memoInvalidated := false
	if c.dirty.isSet(IdealStateCat) {
		memoInvalidated = true
		c.dirty.clear(IdealStateCat)
		recs, err := acc.ChildValuesMap(ctx, kb.IdealStates(), false)
		if err != nil {
			return accessor.WrapTransportErr("ChildValuesMap(idealStates)", err)
		}
		m := make(map[string]*IdealState, len(recs))
		for name, rec := range recs {
			var is IdealState
			if rec == nil || jsonAPI.Unmarshal(rec.Body, &is) != nil {
				continue
			}
			is.ResourceName = name
			m[name] = &is
		}
		c.shadowIdealStates = m
	}
	if c.dirty.isSet(LiveInstanceCat) {
		memoInvalidated = true
		c.dirty.clear(LiveInstanceCat)
		recs, err := acc.ChildValuesMap(ctx, kb.LiveInstances(), false)
		if err != nil {
			return accessor.WrapTransportErr("ChildValuesMap(liveInstances)", err)
		}
		m := make(map[string]*LiveInstance, len(recs))
		for name, rec := range recs {
			var li LiveInstance
			if rec == nil || jsonAPI.Unmarshal(rec.Body, &li) != nil {
				continue
			}
			li.InstanceName = name
			m[name] = &li
		}
		c.shadowLiveInstances = m
		c.offlineIndexStale = true
	}
	if c.dirty.isSet(InstanceConfigCat) {
		memoInvalidated = true
		c.dirty.clear(InstanceConfigCat)
		recs, err := acc.ChildValuesMap(ctx, kb.InstanceConfigs(), false)
		if err != nil {
			return accessor.WrapTransportErr("ChildValuesMap(instanceConfigs)", err)
		}
		m := make(map[string]*InstanceConfig, len(recs))
		for name, rec := range recs {
			var ic InstanceConfig
			if rec == nil || jsonAPI.Unmarshal(rec.Body, &ic) != nil {
				continue
			}
			ic.InstanceName = name
			m[name] = &ic
		}
		c.shadowInstanceConfigs = m
	}
	if c.dirty.isSet(ResourceConfigCat) {
		memoInvalidated = true
		c.dirty.clear(ResourceConfigCat)
		recs, err := acc.ChildValuesMap(ctx, kb.ResourceConfigs(), false)
		if err != nil {
			return accessor.WrapTransportErr("ChildValuesMap(resourceConfigs)", err)
		}
		m := make(map[string]*ResourceConfig, len(recs))
		for name, rec := range recs {
			var rc ResourceConfig
			if rec == nil || jsonAPI.Unmarshal(rec.Body, &rc) != nil {
				continue
			}
			rc.ResourceName = name
			m[name] = &rc
		}
		c.shadowResourceConfigs = m
	}

	// step 2: snapshot shadow -> live (copy, so subsequent shadow mutation
	// never tears a reader mid-iteration).
	idealStates := cloneIdealStates(c.shadowIdealStates)
	liveInstances := cloneLiveInstances(c.shadowLiveInstances)
	instanceConfigs := cloneInstanceConfigs(c.shadowInstanceConfigs)
	resourceConfigs := cloneResourceConfigs(c.shadowResourceConfigs)

	// step 3
	if c.firstRun {
		c.offlineIndexStale = true
	}

	prev := c.snapshot()
	offlineTimeMap := prev.instanceOfflineTimeMap

	// step 4
	if c.offlineIndexStale {
		var err error
		offlineTimeMap, err = c.updateOfflineInstanceHistory(ctx, acc, instanceConfigs, liveInstances)
		if err != nil {
			return err
		}
		c.offlineIndexStale = false
	}

	// step 5
	if c.isTaskCache {
		if err := c.taskData.Refresh(ctx, acc, resourceConfigs); err != nil {
			return err
		}
	}

	// step 6: unconditional reload of the coarser per-category caches.
	stateModelDefs, err := loadStateModelDefs(ctx, acc, kb)
	if err != nil {
		return err
	}
	constraints, err := loadConstraints(ctx, acc, kb)
	if err != nil {
		return err
	}
	clusterConfig, err := loadClusterConfig(ctx, acc, kb)
	if err != nil {
		return err
	}
	maintenance, err := loadMaintenance(ctx, acc, kb)
	if err != nil {
		return err
	}

	// step 7
	if err := c.messages.Refresh(ctx, acc, liveInstances); err != nil {
		return err
	}

	// step 8
	if err := c.currentState.Refresh(ctx, acc, liveInstances); err != nil {
		return err
	}

	// step 9: relay refinement strictly after current-state refresh.
	c.messages.UpdateRelayMessages(c.currentState.GetCurrentStatesMap())

	// step 10
	idealStateRuleMap := map[string]string{}
	if clusterConfig == nil {
		glog.Warning("cluster config is absent; idealStateRuleMap is empty")
	} else {
		for k, v := range clusterConfig.IdealStateRules {
			idealStateRuleMap[k] = v
		}
	}

	// step 11
	isMaintenanceModeEnabled := maintenance != nil

	// step 12
	disabledInstanceSet, disabledInstanceForPartitionMap := computeDisabledIndices(instanceConfigs, clusterConfig)

	resourceAssignmentCache := prev.resourceAssignmentCache
	idealMappingCache := prev.idealMappingCache
	if memoInvalidated {
		resourceAssignmentCache = map[string]interface{}{}
		idealMappingCache = map[string]interface{}{}
	}

	c.live.Store(&liveSnapshot{
		idealStates:                     idealStates,
		liveInstances:                   liveInstances,
		instanceConfigs:                 instanceConfigs,
		resourceConfigs:                 resourceConfigs,
		stateModelDefs:                  stateModelDefs,
		constraints:                     constraints,
		clusterConfig:                   clusterConfig,
		maintenance:                     maintenance,
		isMaintenanceModeEnabled:        isMaintenanceModeEnabled,
		idealStateRuleMap:               idealStateRuleMap,
		disabledInstanceSet:             disabledInstanceSet,
		disabledInstanceForPartitionMap: disabledInstanceForPartitionMap,
		instanceOfflineTimeMap:          offlineTimeMap,
		resourceAssignmentCache:         resourceAssignmentCache,
		idealMappingCache:               idealMappingCache,
	})
	c.firstRun = false
	return nil
}

// updateOfflineInstanceHistory transitions instances that are configured but
// no longer live to offline exactly once, with a write-back.
func (c *ClusterDataCache) updateOfflineInstanceHistory(
	ctx context.Context, acc accessor.Accessor, instanceConfigs map[string]*InstanceConfig, liveInstances map[string]*LiveInstance,
) (map[string]int64, error) {
	kb := acc.KeyBuilder()
	out := map[string]int64{}
	for name := range instanceConfigs {
		if _, ok := liveInstances[name]; ok {
			continue
		}
		rec, err := acc.GetProperty(ctx, kb.ParticipantHistory(name))
		if err != nil {
			return nil, accessor.WrapTransportErr("GetProperty(participantHistory)", err)
		}
		var hist ParticipantHistory
		if rec != nil {
			if err := jsonAPI.Unmarshal(rec.Body, &hist); err != nil {
				glog.Errorf("failed to parse participant history for %s: %v", name, err)
				continue
			}
		} else {
			hist = ParticipantHistory{InstanceName: name, LastOfflineTime: OnlineSentinel}
		}
		if hist.LastOfflineTime == OnlineSentinel {
			hist.ReportOffline(time.Now().UnixMilli())
			ok, err := acc.SetProperty(ctx, kb.ParticipantHistory(name), &accessor.Record{
				Key:  kb.ParticipantHistory(name),
				Body: marshalRecord(&hist),
			})
			if err != nil || !ok {
				if err == nil {
					err = errNotAccepted
				}
				glog.Errorf("%v", writeBackErr(name, err))
				continue
			}
		}
		out[name] = hist.LastOfflineTime
	}
	return out, nil
}

func loadStateModelDefs(ctx context.Context, acc accessor.Accessor, kb accessor.KeyBuilder) (map[string]*StateModelDefinition, error) {
	recs, err := acc.ChildValuesMap(ctx, kb.StateModelDefs(), false)
	if err != nil {
		return nil, accessor.WrapTransportErr("ChildValuesMap(stateModelDefs)", err)
	}
	m := make(map[string]*StateModelDefinition, len(recs))
	for ref, rec := range recs {
		var def StateModelDefinition
		if rec == nil || jsonAPI.Unmarshal(rec.Body, &def) != nil {
			continue
		}
		def.Ref = ref
		m[ref] = &def
	}
	return m, nil
}

func loadConstraints(ctx context.Context, acc accessor.Accessor, kb accessor.KeyBuilder) (map[string]*ClusterConstraints, error) {
	recs, err := acc.ChildValuesMap(ctx, kb.Constraints(), false)
	if err != nil {
		return nil, accessor.WrapTransportErr("ChildValuesMap(constraints)", err)
	}
	m := make(map[string]*ClusterConstraints, len(recs))
	for typ, rec := range recs {
		var cc ClusterConstraints
		if rec == nil || jsonAPI.Unmarshal(rec.Body, &cc) != nil {
			continue
		}
		cc.Type = typ
		m[typ] = &cc
	}
	return m, nil
}

func loadClusterConfig(ctx context.Context, acc accessor.Accessor, kb accessor.KeyBuilder) (*ClusterConfig, error) {
	rec, err := acc.GetProperty(ctx, kb.ClusterConfig())
	if err != nil {
		return nil, accessor.WrapTransportErr("GetProperty(clusterConfig)", err)
	}
	if rec == nil {
		return nil, nil
	}
	var cfg ClusterConfig
	if err := jsonAPI.Unmarshal(rec.Body, &cfg); err != nil {
		glog.Errorf("failed to parse cluster config: %v", err)
		return nil, nil
	}
	return &cfg, nil
}

func loadMaintenance(ctx context.Context, acc accessor.Accessor, kb accessor.KeyBuilder) (*MaintenanceSignal, error) {
	rec, err := acc.GetProperty(ctx, kb.Maintenance())
	if err != nil {
		return nil, accessor.WrapTransportErr("GetProperty(maintenance)", err)
	}
	if rec == nil {
		return nil, nil
	}
	var sig MaintenanceSignal
	if err := jsonAPI.Unmarshal(rec.Body, &sig); err != nil {
		glog.Errorf("failed to parse maintenance signal: %v", err)
		return nil, nil
	}
	return &sig, nil
}

func computeDisabledIndices(instanceConfigs map[string]*InstanceConfig, clusterConfig *ClusterConfig) (
	map[string]struct{}, map[string]map[string]map[string]struct{},
) {
	disabled := map[string]struct{}{}
	byPartition := map[string]map[string]map[string]struct{}{}
	for name, ic := range instanceConfigs {
		if !ic.InstanceEnabled {
			disabled[name] = struct{}{}
		}
		for resource, partitions := range ic.DisabledPartitionsMap {
			byResource, ok := byPartition[resource]
			if !ok {
				byResource = map[string]map[string]struct{}{}
				byPartition[resource] = byResource
			}
			for _, p := range partitions {
				set, ok := byResource[p]
				if !ok {
					set = map[string]struct{}{}
					byResource[p] = set
				}
				set[name] = struct{}{}
			}
		}
	}
	if clusterConfig != nil {
		for name := range clusterConfig.DisabledInstances {
			disabled[name] = struct{}{}
		}
	}
	return disabled, byPartition
}

func cloneIdealStates(m map[string]*IdealState) map[string]*IdealState {
	out := make(map[string]*IdealState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneLiveInstances(m map[string]*LiveInstance) map[string]*LiveInstance {
	out := make(map[string]*LiveInstance, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneInstanceConfigs(m map[string]*InstanceConfig) map[string]*InstanceConfig {
	out := make(map[string]*InstanceConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneResourceConfigs(m map[string]*ResourceConfig) map[string]*ResourceConfig {
	out := make(map[string]*ResourceConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ---- read API ----

func (c *ClusterDataCache) GetIdealStates() map[string]*IdealState { return c.snapshot().idealStates }

func (c *ClusterDataCache) GetIdealState(resource string) (*IdealState, bool) {
	is, ok := c.snapshot().idealStates[resource]
	return is, ok
}

func (c *ClusterDataCache) GetLiveInstances() map[string]*LiveInstance {
	return c.snapshot().liveInstances
}

func (c *ClusterDataCache) GetAllInstances() map[string]struct{} {
	snap := c.snapshot()
	out := make(map[string]struct{}, len(snap.instanceConfigs))
	for name := range snap.instanceConfigs {
		out[name] = struct{}{}
	}
	return out
}

func (c *ClusterDataCache) GetEnabledInstances() map[string]struct{} {
	snap := c.snapshot()
	out := map[string]struct{}{}
	for name := range snap.instanceConfigs {
		if _, disabled := snap.disabledInstanceSet[name]; !disabled {
			out[name] = struct{}{}
		}
	}
	return out
}

func (c *ClusterDataCache) GetEnabledLiveInstances() map[string]struct{} {
	snap := c.snapshot()
	out := map[string]struct{}{}
	for name := range snap.liveInstances {
		if _, disabled := snap.disabledInstanceSet[name]; !disabled {
			out[name] = struct{}{}
		}
	}
	return out
}

func (c *ClusterDataCache) GetInstancesWithTag(tag string) map[string]struct{} {
	snap := c.snapshot()
	out := map[string]struct{}{}
	for name, ic := range snap.instanceConfigs {
		if ic.ContainsTag(tag) {
			out[name] = struct{}{}
		}
	}
	return out
}

func (c *ClusterDataCache) GetEnabledLiveInstancesWithTag(tag string) map[string]struct{} {
	withTag := c.GetInstancesWithTag(tag)
	enabledLive := c.GetEnabledLiveInstances()
	out := map[string]struct{}{}
	for name := range withTag {
		if _, ok := enabledLive[name]; ok {
			out[name] = struct{}{}
		}
	}
	return out
}

func (c *ClusterDataCache) GetDisabledInstancesForPartition(resource, partition string) map[string]struct{} {
	snap := c.snapshot()
	out := make(map[string]struct{}, len(snap.disabledInstanceSet))
	for name := range snap.disabledInstanceSet {
		out[name] = struct{}{}
	}
	if byResource, ok := snap.disabledInstanceForPartitionMap[resource]; ok {
		if set, ok := byResource[partition]; ok {
			for name := range set {
				out[name] = struct{}{}
			}
		}
	}
	return out
}

// GetReplicas resolves IdealState.Replicas, handling the ANY_LIVE_INSTANCE
// sentinel; returns -1 when the ideal state is absent, and -1 with a logged
// error when Replicas does not parse as an integer.
func (c *ClusterDataCache) GetReplicas(resource string) int {
	snap := c.snapshot()
	is, ok := snap.idealStates[resource]
	if !ok {
		return -1
	}
	if is.Replicas == AnyLiveInstance {
		return len(snap.liveInstances)
	}
	n, err := strconv.Atoi(is.Replicas)
	if err != nil {
		glog.Errorf("failed to parse replica count for %s: %v", resource, err)
		return -1
	}
	return n
}

func (c *ClusterDataCache) GetConstraint(typ string) (*ClusterConstraints, bool) {
	cc, ok := c.snapshot().constraints[typ]
	return cc, ok
}

func (c *ClusterDataCache) GetStateModelDef(ref string) (*StateModelDefinition, bool) {
	def, ok := c.snapshot().stateModelDefs[ref]
	return def, ok
}

func (c *ClusterDataCache) GetResourceConfig(resource string) (*ResourceConfig, bool) {
	rc, ok := c.snapshot().resourceConfigs[resource]
	return rc, ok
}

func (c *ClusterDataCache) IsMaintenanceModeEnabled() bool { return c.snapshot().isMaintenanceModeEnabled }

func (c *ClusterDataCache) GetIdealStateRuleMap() map[string]string { return c.snapshot().idealStateRuleMap }

func (c *ClusterDataCache) GetInstanceOfflineTime(instance string) (int64, bool) {
	t, ok := c.snapshot().instanceOfflineTimeMap[instance]
	return t, ok
}

func (c *ClusterDataCache) CurrentStates() *CurrentStateCache { return c.currentState }
func (c *ClusterDataCache) Messages() *MessageCache           { return c.messages }
func (c *ClusterDataCache) TaskData() *TaskDataCache          { return c.taskData }
