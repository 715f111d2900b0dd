/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"context"
	"testing"

	"github.com/onsi/gomega"

	"github.com/ais-cluster/clustercache/accessor/fake"
)

func TestMessageCacheRefreshAndGet(t *testing.T) {
	g := gomega.NewWithT(t)
	acc, err := fake.New()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	kb := acc.KeyBuilder()

	msgID, err := fake.NewID()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	putJSON(acc, kb.Message("n1", msgID), &Message{Type: "state-transition", FromState: "OFFLINE", ToState: "ONLINE"})

	c := NewMessageCache()
	live := map[string]*LiveInstance{"n1": {InstanceName: "n1", SessionID: "s1"}}
	g.Expect(c.Refresh(context.Background(), acc, live)).To(gomega.Succeed())

	msgs := c.GetMessages("n1")
	g.Expect(msgs).To(gomega.HaveKey(msgID))
	g.Expect(msgs[msgID].ToState).To(gomega.Equal("ONLINE"))
	g.Expect(c.GetMessages("n2")).To(gomega.BeEmpty())
}

func TestMessageCacheInjectionOverlaysUntilNextRefresh(t *testing.T) {
	g := gomega.NewWithT(t)
	acc, err := fake.New()
	g.Expect(err).NotTo(gomega.HaveOccurred())

	c := NewMessageCache()
	g.Expect(c.Refresh(context.Background(), acc, map[string]*LiveInstance{})).To(gomega.Succeed())

	c.CacheMessages([]*Message{{ID: "injected", Instance: "n1", Type: "relay"}})
	g.Expect(c.GetMessages("n1")).To(gomega.HaveKey("injected"))
}

func TestDefaultRelayPredicateDropsMessageWhenTargetAlreadyReached(t *testing.T) {
	g := gomega.NewWithT(t)

	msg := &Message{
		Relay: true, RelaySrcInstance: "n1", RelaySrcSession: "s1", RelayStateName: "cs1",
		ToState: "ONLINE",
	}
	view := map[string]map[string]map[string]*CurrentState{
		"n1": {"s1": {"cs1": {Partitions: map[string]string{"ONLINE": "ONLINE"}}}},
	}
	g.Expect(DefaultRelayPredicate(msg, view)).To(gomega.BeFalse())
}

func TestDefaultRelayPredicateKeepsMessageBeforeTargetReached(t *testing.T) {
	g := gomega.NewWithT(t)

	msg := &Message{
		Relay: true, RelaySrcInstance: "n1", RelaySrcSession: "s1", RelayStateName: "cs1",
		ToState: "ONLINE",
	}
	view := map[string]map[string]map[string]*CurrentState{
		"n1": {"s1": {"cs1": {Partitions: map[string]string{"OFFLINE": "OFFLINE"}}}},
	}
	g.Expect(DefaultRelayPredicate(msg, view)).To(gomega.BeTrue())
}

func TestDefaultRelayPredicateAlwaysKeepsNonRelayMessages(t *testing.T) {
	g := gomega.NewWithT(t)
	g.Expect(DefaultRelayPredicate(&Message{Relay: false}, nil)).To(gomega.BeTrue())
}

func TestUpdateRelayMessagesFiltersStaleHandoffs(t *testing.T) {
	g := gomega.NewWithT(t)
	acc, err := fake.New()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	kb := acc.KeyBuilder()

	putJSON(acc, kb.Message("n2", "m1"), &Message{
		Relay: true, RelaySrcInstance: "n1", RelaySrcSession: "s1", RelayStateName: "cs1", ToState: "ONLINE",
	})

	c := NewMessageCache()
	live := map[string]*LiveInstance{"n2": {InstanceName: "n2", SessionID: "sX"}}
	g.Expect(c.Refresh(context.Background(), acc, live)).To(gomega.Succeed())
	g.Expect(c.GetMessages("n2")).To(gomega.HaveKey("m1"))

	view := map[string]map[string]map[string]*CurrentState{
		"n1": {"s1": {"cs1": {Partitions: map[string]string{"ONLINE": "ONLINE"}}}},
	}
	c.UpdateRelayMessages(view)
	g.Expect(c.GetMessages("n2")).NotTo(gomega.HaveKey("m1"))
}
