/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package fake

import "github.com/ais-cluster/clustercache/accessor"

// keyBuilder builds the same typed paths accessor.KeyBuilder requires;
// every real coordination-service client builds an equivalent one scoped
// to its own path conventions.
type keyBuilder struct{}

func (keyBuilder) ClusterConfig() accessor.PropertyKey { return accessor.NewKey(accessor.ClusterConfig) }
func (keyBuilder) IdealStates() accessor.PropertyKey   { return accessor.NewKey(accessor.IdealStates) }
func (keyBuilder) IdealState(resource string) accessor.PropertyKey {
	return accessor.NewKey(accessor.IdealStates, resource)
}
func (keyBuilder) LiveInstances() accessor.PropertyKey { return accessor.NewKey(accessor.LiveInstances) }
func (keyBuilder) LiveInstance(instance string) accessor.PropertyKey {
	return accessor.NewKey(accessor.LiveInstances, instance)
}
func (keyBuilder) InstanceConfigs() accessor.PropertyKey {
	return accessor.NewKey(accessor.InstanceConfigs)
}
func (keyBuilder) InstanceConfig(instance string) accessor.PropertyKey {
	return accessor.NewKey(accessor.InstanceConfigs, instance)
}
func (keyBuilder) ResourceConfigs() accessor.PropertyKey {
	return accessor.NewKey(accessor.ResourceConfigs)
}
func (keyBuilder) ResourceConfig(resource string) accessor.PropertyKey {
	return accessor.NewKey(accessor.ResourceConfigs, resource)
}
func (keyBuilder) JobContext(resource string) accessor.PropertyKey {
	return accessor.NewKey(accessor.JobContexts, resource)
}
func (keyBuilder) WorkflowContext(resource string) accessor.PropertyKey {
	return accessor.NewKey(accessor.WorkflowContexts, resource)
}
func (keyBuilder) StateModelDefs() accessor.PropertyKey { return accessor.NewKey(accessor.StateModelDefs) }
func (keyBuilder) StateModelDef(ref string) accessor.PropertyKey {
	return accessor.NewKey(accessor.StateModelDefs, ref)
}
func (keyBuilder) Constraints() accessor.PropertyKey { return accessor.NewKey(accessor.Constraints) }
func (keyBuilder) Constraint(typ string) accessor.PropertyKey {
	return accessor.NewKey(accessor.Constraints, typ)
}
func (keyBuilder) Maintenance() accessor.PropertyKey { return accessor.NewKey(accessor.Maintenance) }
func (keyBuilder) ParticipantHistory(instance string) accessor.PropertyKey {
	return accessor.NewKey(accessor.ParticipantHistory, instance)
}
func (keyBuilder) CurrentStates(instance, session string) accessor.PropertyKey {
	return accessor.NewKey(accessor.CurrentStates, instance, session)
}
func (keyBuilder) CurrentState(instance, session, stateName string) accessor.PropertyKey {
	return accessor.NewKey(accessor.CurrentState, instance, session, stateName)
}
func (keyBuilder) Messages(instance string) accessor.PropertyKey {
	return accessor.NewKey(accessor.Messages, instance)
}
func (keyBuilder) Message(instance, msgID string) accessor.PropertyKey {
	return accessor.NewKey(accessor.Messages, instance, msgID)
}
