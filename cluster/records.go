// Package cluster provides the in-memory cluster-state model and the
// snapshot cache that reconstructs it from the metadata store: LiveInstance,
// IdealState, InstanceConfig, ResourceConfig, StateModelDefinition,
// ClusterConstraints, CurrentState, Message, the task-data types, and
// ParticipantHistory, plus the sub-caches and aggregator that refresh them.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/ais-cluster/clustercache/cmn"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// errNotAccepted stands in for a SetProperty call that returned ok==false
// with a nil error (the metadata store rejected the write without an
// error, e.g. a version-conflict CAS failure).
var errNotAccepted = errors.New("property write not accepted")

// writeBackErr wraps a failed write-back in the tagged WriteBackError so
// callers can distinguish it from a read-path failure.
func writeBackErr(key string, err error) error {
	return cmn.NewWriteBackError(key, err)
}

// AnyLiveInstance is the IdealState.Replicas sentinel meaning "however
// many live instances there currently are".
const AnyLiveInstance = "ANY_LIVE_INSTANCE"

// OnlineSentinel marks a ParticipantHistory that has never gone offline.
const OnlineSentinel int64 = -1

type (
	// LiveInstance: presence in the live-instance map means the instance
	// is currently online; SessionID is its ephemeral connection token.
	LiveInstance struct {
		InstanceName string `json:"instance_name"`
		SessionID    string `json:"session_id"`
	}

	// IdealState: declarative desired placement of a resource's partitions.
	// Immutable within a single refresh.
	IdealState struct {
		ResourceName    string              `json:"resource_name"`
		StateModelRef   string              `json:"state_model_def_ref"`
		Replicas        string              `json:"replicas"` // int, or AnyLiveInstance
		PreferenceLists map[string][]string `json:"preference_lists,omitempty"`
	}

	// InstanceConfig: every live instance has one; not every configured
	// instance need be live.
	InstanceConfig struct {
		InstanceName          string              `json:"instance_name"`
		InstanceEnabled       bool                `json:"instance_enabled"`
		DisabledPartitionsMap map[string][]string `json:"disabled_partitions,omitempty"`
		Tags                  []string            `json:"tags,omitempty"`
	}

	// ResourceConfig is optional per resource; IsJob/IsWorkflow route it
	// into the task-data sub-cache.
	ResourceConfig struct {
		ResourceName string            `json:"resource_name"`
		IsJob        bool              `json:"is_job,omitempty"`
		IsWorkflow   bool              `json:"is_workflow,omitempty"`
		Fields       map[string]string `json:"fields,omitempty"`
	}

	StateModelDefinition struct {
		Ref         string              `json:"ref"`
		States      []string            `json:"states"`
		Transitions map[string][]string `json:"transitions,omitempty"`
	}

	ClusterConstraints struct {
		Type  string            `json:"type"`
		Rules map[string]string `json:"rules,omitempty"`
	}

	ClusterConfig struct {
		ClusterName       string              `json:"cluster_name"`
		IdealStateRules   map[string]string   `json:"ideal_state_rules,omitempty"`
		DisabledInstances map[string]struct{} `json:"disabled_instances,omitempty"`
	}

	MaintenanceSignal struct {
		Reason string `json:"reason,omitempty"`
		Since  int64  `json:"since,omitempty"`
	}

	// CurrentState is a participant's reported state for the partitions it
	// hosts under one (instance, session, state-name bucket). BucketSize==0
	// is single-record, eligible for stat-based reload avoidance.
	CurrentState struct {
		Instance   string            `json:"instance"`
		Session    string            `json:"session"`
		StateName  string            `json:"state_name"`
		BucketSize int               `json:"bucket_size"`
		Partitions map[string]string `json:"partitions,omitempty"`
	}

	// Message targets one instance. Relay messages additionally carry the
	// hand-off source so the relay-message refinement can validate them
	// against current state.
	Message struct {
		ID        string `json:"id"`
		Instance  string `json:"instance"`
		Type      string `json:"msg_type"`
		FromState string `json:"from_state,omitempty"`
		ToState   string `json:"to_state,omitempty"`

		Relay            bool   `json:"relay,omitempty"`
		RelaySrcInstance string `json:"relay_src_instance,omitempty"`
		RelaySrcSession  string `json:"relay_src_session,omitempty"`
		RelayStateName   string `json:"relay_state_name,omitempty"`
	}

	JobConfig struct {
		ResourceName string `json:"resource_name"`
		Command      string `json:"command,omitempty"`
		TimeoutMS    int64  `json:"timeout_ms,omitempty"`
	}

	WorkflowConfig struct {
		ResourceName string   `json:"resource_name"`
		Jobs         []string `json:"jobs,omitempty"`
	}

	JobContext struct {
		ResourceName string `json:"resource_name"`
		State        string `json:"state,omitempty"`
		StartTimeMS  int64  `json:"start_time_ms,omitempty"`
	}

	WorkflowContext struct {
		ResourceName string `json:"resource_name"`
		State        string `json:"state,omitempty"`
	}

	// ParticipantHistory records monotonic offline/online transitions for
	// an instance; written back by the aggregator.
	ParticipantHistory struct {
		InstanceName    string  `json:"instance_name"`
		LastOfflineTime int64   `json:"last_offline_time"`
		History         []int64 `json:"history,omitempty"`
	}
)

func (c *InstanceConfig) ContainsTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ReportOffline transitions the history to offline at nowMillis; callers
// only invoke this when LastOfflineTime == OnlineSentinel.
func (p *ParticipantHistory) ReportOffline(nowMillis int64) {
	p.LastOfflineTime = nowMillis
	p.History = append(p.History, nowMillis)
}

func marshalRecord(v interface{}) []byte {
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		panic(err) // programmer error: these types always marshal
	}
	return b
}
