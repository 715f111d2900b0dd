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

func TestTaskDataCacheLoadsJobAndWorkflowContexts(t *testing.T) {
	g := gomega.NewWithT(t)
	acc, err := fake.New()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	kb := acc.KeyBuilder()

	putJSON(acc, kb.JobContext("job1"), &JobContext{ResourceName: "job1", State: "RUNNING", StartTimeMS: 42})
	putJSON(acc, kb.WorkflowContext("wf1"), &WorkflowContext{ResourceName: "wf1", State: "IN_PROGRESS"})

	tc := NewTaskDataCache()
	resourceConfigs := map[string]*ResourceConfig{
		"job1": {ResourceName: "job1", IsJob: true},
		"wf1":  {ResourceName: "wf1", IsWorkflow: true},
		"r1":   {ResourceName: "r1"},
	}
	g.Expect(tc.Refresh(context.Background(), acc, resourceConfigs)).To(gomega.Succeed())

	jc, ok := tc.GetJobConfig("job1")
	g.Expect(ok).To(gomega.BeTrue())
	g.Expect(jc.ResourceName).To(gomega.Equal("job1"))

	_, ok = tc.GetJobConfig("r1")
	g.Expect(ok).To(gomega.BeFalse())

	index := tc.ContextsIndex()
	g.Expect(index).To(gomega.HaveKey("job1"))
	g.Expect(index).To(gomega.HaveKey("wf1"))
	g.Expect(index["job1"].(*JobContext).State).To(gomega.Equal("RUNNING"))
}

func TestUpdateJobContextWritesBackThenUpdatesCache(t *testing.T) {
	g := gomega.NewWithT(t)
	acc, err := fake.New()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	kb := acc.KeyBuilder()

	tc := NewTaskDataCache()
	newCtx := &JobContext{ResourceName: "job1", State: "DONE"}
	g.Expect(tc.UpdateJobContext(context.Background(), "job1", newCtx, acc)).To(gomega.Succeed())

	jc, ok := tc.GetJobContext("job1")
	g.Expect(ok).To(gomega.BeTrue())
	g.Expect(jc.State).To(gomega.Equal("DONE"))

	rec, err := acc.GetProperty(context.Background(), kb.JobContext("job1"))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(rec).NotTo(gomega.BeNil())
	var persisted JobContext
	g.Expect(jsonAPI.Unmarshal(rec.Body, &persisted)).To(gomega.Succeed())
	g.Expect(persisted.State).To(gomega.Equal("DONE"))
}

func TestJobContextWriteBackDoesNotClobberResourceConfig(t *testing.T) {
	g := gomega.NewWithT(t)
	acc, err := fake.New()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	kb := acc.KeyBuilder()

	putJSON(acc, kb.ResourceConfig("job1"), &ResourceConfig{ResourceName: "job1", IsJob: true, Fields: map[string]string{"command": "build"}})

	tc := NewTaskDataCache()
	g.Expect(tc.UpdateJobContext(context.Background(), "job1", &JobContext{ResourceName: "job1", State: "DONE"}, acc)).To(gomega.Succeed())

	rec, err := acc.GetProperty(context.Background(), kb.ResourceConfig("job1"))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(rec).NotTo(gomega.BeNil())
	var rc ResourceConfig
	g.Expect(jsonAPI.Unmarshal(rec.Body, &rc)).To(gomega.Succeed())
	g.Expect(rc.IsJob).To(gomega.BeTrue())
	g.Expect(rc.Fields["command"]).To(gomega.Equal("build"))
}
