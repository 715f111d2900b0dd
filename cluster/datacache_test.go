/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"context"
	"sync/atomic"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ais-cluster/clustercache/accessor"
	"github.com/ais-cluster/clustercache/accessor/fake"
)

// countingAccessor wraps a fake.Accessor and counts calls to
// GetProperties/GetPropertyStats so refresh scenarios can assert on
// how many full-record fetches a stat-compare hit/miss actually caused.
type countingAccessor struct {
	*fake.Accessor
	getPropertiesCalls int64
	getStatsCalls      int64
}

func (a *countingAccessor) GetProperties(ctx context.Context, keys []accessor.PropertyKey, throwOnMissing bool) ([]*accessor.Record, error) {
	atomic.AddInt64(&a.getPropertiesCalls, 1)
	return a.Accessor.GetProperties(ctx, keys, throwOnMissing)
}

func (a *countingAccessor) GetPropertyStats(ctx context.Context, keys []accessor.PropertyKey) ([]*accessor.Stat, error) {
	atomic.AddInt64(&a.getStatsCalls, 1)
	return a.Accessor.GetPropertyStats(ctx, keys)
}

func newCountingAccessor() *countingAccessor {
	inner, err := fake.New()
	Expect(err).NotTo(HaveOccurred())
	return &countingAccessor{Accessor: inner}
}

func putJSON(acc accessor.Accessor, key accessor.PropertyKey, v interface{}) {
	ok, err := acc.SetProperty(context.Background(), key, &accessor.Record{Key: key, Body: marshalRecord(v)})
	Expect(err).NotTo(HaveOccurred())
	Expect(ok).To(BeTrue())
}

var _ = Describe("ClusterDataCache.Refresh", func() {
	var (
		ctx context.Context
		acc *countingAccessor
		dc  *ClusterDataCache
		kb  accessor.KeyBuilder
	)

	BeforeEach(func() {
		ctx = context.Background()
		acc = newCountingAccessor()
		kb = acc.KeyBuilder()
		dc = NewClusterDataCache("test-cluster")
	})

	It("cold start: empty store plus one live instance yields the expected enabled/live/ideal views", func() {
		putJSON(acc, kb.LiveInstance("n1"), &LiveInstance{InstanceName: "n1", SessionID: "s1"})
		putJSON(acc, kb.InstanceConfig("n1"), &InstanceConfig{InstanceName: "n1", InstanceEnabled: true})
		putJSON(acc, kb.IdealState("r1"), &IdealState{ResourceName: "r1", Replicas: "1"})

		Expect(dc.Refresh(ctx, acc)).To(Succeed())

		Expect(dc.GetEnabledLiveInstances()).To(HaveKey("n1"))
		Expect(dc.GetIdealStates()).To(HaveKey("r1"))
		Expect(dc.CurrentStates().GetCurrentStates("n1")).To(BeEmpty())
	})

	It("stat-compare hit: an unchanged bucketSize==0 current-state entry is not refetched", func() {
		putJSON(acc, kb.LiveInstance("n1"), &LiveInstance{InstanceName: "n1", SessionID: "s1"})
		putJSON(acc, kb.InstanceConfig("n1"), &InstanceConfig{InstanceName: "n1", InstanceEnabled: true})
		putJSON(acc, kb.CurrentState("n1", "s1", "cs1"), &CurrentState{Instance: "n1", Session: "s1", StateName: "cs1"})

		Expect(dc.Refresh(ctx, acc)).To(Succeed())
		callsAfterFirst := atomic.LoadInt64(&acc.getPropertiesCalls)
		Expect(callsAfterFirst).To(BeNumerically(">", 0))

		Expect(dc.Refresh(ctx, acc)).To(Succeed())
		Expect(atomic.LoadInt64(&acc.getPropertiesCalls)).To(Equal(callsAfterFirst),
			"second refresh with no backing-store changes must not refetch the unchanged current-state record")
	})

	It("stat-compare miss: a version bump forces exactly one refetch of the changed entry", func() {
		putJSON(acc, kb.LiveInstance("n1"), &LiveInstance{InstanceName: "n1", SessionID: "s1"})
		putJSON(acc, kb.InstanceConfig("n1"), &InstanceConfig{InstanceName: "n1", InstanceEnabled: true})
		key := kb.CurrentState("n1", "s1", "cs1")
		putJSON(acc, key, &CurrentState{Instance: "n1", Session: "s1", StateName: "cs1", Partitions: map[string]string{"p1": "online"}})

		Expect(dc.Refresh(ctx, acc)).To(Succeed())

		putJSON(acc, key, &CurrentState{Instance: "n1", Session: "s1", StateName: "cs1", Partitions: map[string]string{"p1": "offline"}})
		callsBefore := atomic.LoadInt64(&acc.getPropertiesCalls)
		Expect(dc.Refresh(ctx, acc)).To(Succeed())
		Expect(atomic.LoadInt64(&acc.getPropertiesCalls)).To(Equal(callsBefore + 1))

		cs := dc.CurrentStates().GetCurrentState("n1", "s1")["cs1"]
		Expect(cs.Partitions["p1"]).To(Equal("offline"))
	})

	It("session flip: a live instance reconnecting under a new session drops the old session's entries", func() {
		putJSON(acc, kb.LiveInstance("n1"), &LiveInstance{InstanceName: "n1", SessionID: "s1"})
		putJSON(acc, kb.InstanceConfig("n1"), &InstanceConfig{InstanceName: "n1", InstanceEnabled: true})
		putJSON(acc, kb.CurrentState("n1", "s1", "cs1"), &CurrentState{Instance: "n1", Session: "s1", StateName: "cs1"})
		Expect(dc.Refresh(ctx, acc)).To(Succeed())
		Expect(dc.CurrentStates().GetCurrentState("n1", "s1")).NotTo(BeEmpty())

		dc.NotifyDataChange(LiveInstanceCat)
		putJSON(acc, kb.LiveInstance("n1"), &LiveInstance{InstanceName: "n1", SessionID: "s2"})
		Expect(dc.Refresh(ctx, acc)).To(Succeed())

		Expect(dc.CurrentStates().GetCurrentState("n1", "s1")).To(BeEmpty())
		Expect(dc.CurrentStates().GetCurrentState("n1", "s2")).To(BeEmpty())
	})

	It("offline transition: an instance that drops out of the live set gets a write-back offline timestamp", func() {
		putJSON(acc, kb.InstanceConfig("n2"), &InstanceConfig{InstanceName: "n2", InstanceEnabled: true})

		Expect(dc.Refresh(ctx, acc)).To(Succeed())

		rec, err := acc.GetProperty(ctx, kb.ParticipantHistory("n2"))
		Expect(err).NotTo(HaveOccurred())
		Expect(rec).NotTo(BeNil())
		var hist ParticipantHistory
		Expect(jsonAPI.Unmarshal(rec.Body, &hist)).To(Succeed())
		Expect(hist.LastOfflineTime).To(BeNumerically(">", 0))

		ts, ok := dc.GetInstanceOfflineTime("n2")
		Expect(ok).To(BeTrue())
		Expect(ts).To(Equal(hist.LastOfflineTime))
	})

	It("full refresh after selective-only churn: a single dirty category is reloaded alone, requireFullRefresh reloads all four", func() {
		putJSON(acc, kb.IdealState("r1"), &IdealState{ResourceName: "r1", Replicas: "1"})
		putJSON(acc, kb.LiveInstance("n1"), &LiveInstance{InstanceName: "n1", SessionID: "s1"})
		putJSON(acc, kb.InstanceConfig("n1"), &InstanceConfig{InstanceName: "n1", InstanceEnabled: true})
		Expect(dc.Refresh(ctx, acc)).To(Succeed())

		dc.RequireFullRefresh()
		Expect(dc.Refresh(ctx, acc)).To(Succeed())

		dc.dirty.clear(IdealStateCat)
		dc.dirty.clear(InstanceConfigCat)
		dc.dirty.clear(ResourceConfigCat)
		dc.NotifyDataChange(LiveInstanceCat)
		putJSON(acc, kb.IdealState("r2"), &IdealState{ResourceName: "r2", Replicas: "1"})
		Expect(dc.Refresh(ctx, acc)).To(Succeed())
		Expect(dc.dirty.isSet(IdealStateCat)).To(BeFalse())
		Expect(dc.GetIdealStates()).NotTo(HaveKey("r2"))

		dc.RequireFullRefresh()
		Expect(dc.dirty.isSet(IdealStateCat)).To(BeTrue())
		Expect(dc.dirty.isSet(LiveInstanceCat)).To(BeTrue())
		Expect(dc.dirty.isSet(InstanceConfigCat)).To(BeTrue())
		Expect(dc.dirty.isSet(ResourceConfigCat)).To(BeTrue())
		Expect(dc.Refresh(ctx, acc)).To(Succeed())
		Expect(dc.GetIdealStates()).To(HaveKey("r2"))
	})

	It("memo caches are cleared whenever a primary category was dirty at refresh start", func() {
		putJSON(acc, kb.IdealState("r1"), &IdealState{ResourceName: "r1", Replicas: "1"})
		Expect(dc.Refresh(ctx, acc)).To(Succeed())
		Expect(dc.snapshot().resourceAssignmentCache).To(BeEmpty())
		Expect(dc.snapshot().idealMappingCache).To(BeEmpty())
	})
})
