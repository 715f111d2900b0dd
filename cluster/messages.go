/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ais-cluster/clustercache/accessor"
	"github.com/ais-cluster/clustercache/cmn"
)

// RelayPredicate decides whether a pending relay message still matches
// current state. The sub-cache stays agnostic to state-model specifics by
// taking this as a pluggable hook rather than inlining validation logic.
//
// keep == false means the message should be filtered out (either its
// precondition no longer matches current state, or its target state has
// already been reached).
type RelayPredicate func(msg *Message, view map[string]map[string]map[string]*CurrentState) (keep bool)

// DefaultRelayPredicate keeps every non-relay message. A relay message is
// dropped when the source (instance, session, state-name) current-state
// record is absent from the view, or when that record's Partitions entry
// keyed by ToState already holds ToState; otherwise it is kept. FromState
// is not consulted.
func DefaultRelayPredicate(msg *Message, view map[string]map[string]map[string]*CurrentState) bool {
	if !msg.Relay {
		return true
	}
	byName := view[msg.RelaySrcInstance][msg.RelaySrcSession]
	cs, ok := byName[msg.RelayStateName]
	if !ok {
		return false
	}
	if targetState, ok := cs.Partitions[msg.ToState]; ok && targetState == msg.ToState {
		return false
	}
	return true
}

// MessageCache holds each live instance's outstanding messages, with
// CacheMessages() overlaying externally-injected messages between
// refreshes.
type MessageCache struct {
	mu       sync.RWMutex
	byInst   map[string]map[string]*Message // instance -> messageID -> record
	overlay  map[string]map[string]*Message // external injections, cleared by Refresh
	Predicate atomic.Value                 // RelayPredicate
}

func NewMessageCache() *MessageCache {
	c := &MessageCache{
		byInst:  map[string]map[string]*Message{},
		overlay: map[string]map[string]*Message{},
	}
	c.Predicate.Store(RelayPredicate(DefaultRelayPredicate))
	return c
}

// Refresh lists and fetches messages(instance) children for every live
// instance and drops any CacheMessages injections. Every message is
// refetched in full on each call; no stat comparison against the previous
// refresh is made.
func (c *MessageCache) Refresh(ctx context.Context, acc accessor.Accessor, liveInstances map[string]*LiveInstance) error {
	kb := acc.KeyBuilder()
	instances := make([]string, 0, len(liveInstances))
	for inst := range liveInstances {
		instances = append(instances, inst)
	}

	results := make([]map[string]*Message, len(instances))
	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			recs, err := acc.ChildValuesMap(gctx, kb.Messages(inst), false)
			if err != nil {
				return accessor.WrapTransportErr("ChildValuesMap(messages)", err)
			}
			parsed := make(map[string]*Message, len(recs))
			for id, rec := range recs {
				if rec == nil {
					glog.Warningf("%v", cmn.NewMissingEntryError(id))
					continue
				}
				var m Message
				if err := jsonAPI.Unmarshal(rec.Body, &m); err != nil {
					glog.Errorf("failed to parse message %s/%s: %v", inst, id, err)
					continue
				}
				m.ID, m.Instance = id, inst
				parsed[id] = &m
			}
			results[i] = parsed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byInst := make(map[string]map[string]*Message, len(instances))
	for i, inst := range instances {
		byInst[inst] = results[i]
	}

	c.mu.Lock()
	c.byInst = byInst
	c.overlay = map[string]map[string]*Message{}
	c.mu.Unlock()
	return nil
}

// UpdateRelayMessages applies the relay refinement against a freshly
// refreshed current-state view; the aggregator calls this strictly after
// the current-state sub-cache refresh completes.
func (c *MessageCache) UpdateRelayMessages(view map[string]map[string]map[string]*CurrentState) {
	pred := c.Predicate.Load().(RelayPredicate)
	c.mu.Lock()
	defer c.mu.Unlock()
	for inst, msgs := range c.byInst {
		for id, m := range msgs {
			if !pred(m, view) {
				delete(msgs, id)
			}
		}
		c.byInst[inst] = msgs
	}
}

// CacheMessages injects externally-known messages; they overlay the
// per-instance map until the next Refresh.
func (c *MessageCache) CacheMessages(msgs []*Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		byID, ok := c.overlay[m.Instance]
		if !ok {
			byID = map[string]*Message{}
			c.overlay[m.Instance] = byID
		}
		byID[m.ID] = m
	}
}

// GetMessages returns messageID -> message for instance, refreshed entries
// overlaid with any CacheMessages injections.
func (c *MessageCache) GetMessages(instance string) map[string]*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]*Message{}
	for id, m := range c.byInst[instance] {
		out[id] = m
	}
	for id, m := range c.overlay[instance] {
		out[id] = m
	}
	return out
}
