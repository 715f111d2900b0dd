// Package accessor defines the metadata-store contract the cluster-data
// cache consumes. The metadata store itself (a watched, hierarchical
// key-value tree such as ZooKeeper) is an external collaborator and is not
// implemented here - see the accessor/fake subpackage for an in-memory
// stand-in used by tests.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package accessor

import (
	"context"
	"strings"

	"github.com/OneOfOne/xxhash"

	"github.com/ais-cluster/clustercache/cmn"
)

// Category tags a PropertyKey's variant: a small enum compared directly,
// never by string.
type Category uint8

const (
	ClusterConfig Category = iota
	IdealStates
	LiveInstances
	InstanceConfigs
	ResourceConfigs
	StateModelDefs
	Constraints
	Maintenance
	ParticipantHistory
	CurrentStates // parent: children listed under (instance, session)
	CurrentState  // leaf: (instance, session, stateName)
	Messages
	JobContexts
	WorkflowContexts
)

// PropertyKey is a tagged-variant path: a category plus an ordered
// parameter vector. Two keys compare equal iff category and parameters are
// equal. CurrentState keys additionally expose named accessors over their
// positional parameters so reconstruction in the current-state sub-cache
// never indexes into Params directly (see cluster/currentstate.go).
type PropertyKey struct {
	Cat    Category
	Params []string

	digest uint64
}

func NewKey(cat Category, params ...string) PropertyKey {
	return PropertyKey{Cat: cat, Params: params}
}

// Path renders the key as a single string; used as the map key for the
// cache's internal stores (Go maps can't key on a slice-bearing struct).
func (k PropertyKey) Path() string {
	var b strings.Builder
	b.WriteByte(byte(k.Cat))
	for _, p := range k.Params {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}

func (k PropertyKey) Equal(o PropertyKey) bool {
	if k.Cat != o.Cat || len(k.Params) != len(o.Params) {
		return false
	}
	for i := range k.Params {
		if k.Params[i] != o.Params[i] {
			return false
		}
	}
	return true
}

// Digest is a cheap identity hash computed once and cached, used where the
// cache needs fast key comparison/bucketing without hashing the path string
// every time.
func (k *PropertyKey) Digest() uint64 {
	if k.digest == 0 {
		k.digest = xxhash.ChecksumString64S(k.Path(), 0)
	}
	return k.digest
}

// Instance/Session are total for CurrentStates and CurrentState keys;
// StateName is total only for CurrentState (leaf) keys. KeyBuilder
// guarantees the parameter order below, so callers that hold a
// CurrentState key never need to index into Params by hand.
func (k PropertyKey) Instance() string {
	return k.Params[0]
}

func (k PropertyKey) Session() string {
	return k.Params[1]
}

func (k PropertyKey) StateName() string {
	return k.Params[2]
}

// Stat is version metadata on a record. Equality implies payload equality
// for single-record (non-bucketed) entries - see Record.BucketSize.
type Stat struct {
	CreationVersion int64
	ModifiedVersion int64
	Size            int64
}

func (s Stat) Equal(o Stat) bool { return s == o }

// Record is a versioned payload fetched from the metadata store.
// BucketSize > 0 marks a record whose logical content may be bucketed
// (split across multiple physical children); such records are always
// refetched in full rather than trusted on stat equality alone.
type Record struct {
	Key        PropertyKey
	Stat       Stat
	Body       []byte
	BucketSize int
}

// KeyBuilder constructs typed paths for every category the core consumes.
type KeyBuilder interface {
	ClusterConfig() PropertyKey
	IdealStates() PropertyKey
	IdealState(resource string) PropertyKey
	LiveInstances() PropertyKey
	LiveInstance(instance string) PropertyKey
	InstanceConfigs() PropertyKey
	InstanceConfig(instance string) PropertyKey
	ResourceConfigs() PropertyKey
	ResourceConfig(resource string) PropertyKey
	JobContext(resource string) PropertyKey
	WorkflowContext(resource string) PropertyKey
	StateModelDefs() PropertyKey
	StateModelDef(ref string) PropertyKey
	Constraints() PropertyKey
	Constraint(typ string) PropertyKey
	Maintenance() PropertyKey
	ParticipantHistory(instance string) PropertyKey
	CurrentStates(instance, session string) PropertyKey
	CurrentState(instance, session, stateName string) PropertyKey
	Messages(instance string) PropertyKey
	Message(instance, msgID string) PropertyKey
}

// Accessor is the external metadata-store handle the cache refreshes
// against. Batch operations return results positionally aligned with the
// input; individual missing entries come back nil, never an error - see
// cmn.MissingEntryError for the one case (a name from a children listing
// that then 404s) that callers treat specially.
type Accessor interface {
	Children(ctx context.Context, parent PropertyKey) ([]string, error)
	ChildValuesMap(ctx context.Context, parent PropertyKey, throwOnMissing bool) (map[string]*Record, error)
	GetProperty(ctx context.Context, key PropertyKey) (*Record, error)
	GetProperties(ctx context.Context, keys []PropertyKey, throwOnMissing bool) ([]*Record, error)
	GetPropertyStats(ctx context.Context, keys []PropertyKey) ([]*Stat, error)
	SetProperty(ctx context.Context, key PropertyKey, rec *Record) (bool, error)
	KeyBuilder() KeyBuilder
}

// WrapTransportErr tags an accessor-layer error so Refresh can recognize it
// as non-retryable within the current refresh pass.
func WrapTransportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return cmn.NewAccessorError(op, err)
}
