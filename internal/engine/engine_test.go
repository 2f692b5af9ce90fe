package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmarkets/nexus-deploy/internal/approval"
	"github.com/nexusmarkets/nexus-deploy/internal/artifact"
	"github.com/nexusmarkets/nexus-deploy/internal/engine"
	"github.com/nexusmarkets/nexus-deploy/internal/events"
	"github.com/nexusmarkets/nexus-deploy/internal/fleet"
	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
	"github.com/nexusmarkets/nexus-deploy/internal/provision"
	"github.com/nexusmarkets/nexus-deploy/internal/store"
	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

type harness struct {
	engine *engine.Engine
	store  *store.MemoryStore
	cfn    *provision.MemoryCloudFormation
	hub    *approval.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hub := approval.NewHub()
	cfn := provision.NewMemoryCloudFormation()
	prov := provision.New(cfn, provision.Config{PollInterval: time.Millisecond})
	fl, err := fleet.New(artifact.StaticBuilder{}, prov, hub, fleet.Config{})
	require.NoError(t, err)
	st := store.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	eng := engine.New(ctx, trigger.Resolver{}, fl, st, events.Nop{}, nil, hub, nil, engine.Config{
		Concurrency:  4,
		StageTimeout: 10 * time.Second,
	})
	return &harness{engine: eng, store: st, cfn: cfn, hub: hub}
}

func (h *harness) approveWhenPending(t *testing.T, runID string, approved bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.engine.PendingApprovals()) > 0
	}, 5*time.Second, 5*time.Millisecond, "approval gate never opened")

	require.NoError(t, h.engine.ResolveApproval(runID, fleet.StageApproval, pipeline.Resolution{
		Approved: approved,
		Actor:    "release-manager",
		Reason:   "scheduled release",
	}))
}

func TestPushToMainDeploysWholeFleet(t *testing.T) {
	h := newHarness(t)

	rec, err := h.engine.Trigger(context.Background(), engine.TriggerRequest{
		Event: "push", Branch: "main", Commit: "abc123", Actor: "ci",
	})
	require.NoError(t, err)

	h.approveWhenPending(t, rec.ID, true)
	h.engine.Wait()

	final, err := h.store.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, final.Healthy)
	assert.True(t, final.Terminal)

	for _, stageID := range []string{
		fleet.StageBuildTest, fleet.StageSharedInfra, fleet.StageApproval,
		"deploy-data", "deploy-reversion", "deploy-momentum",
	} {
		assert.Equal(t, pipeline.OutcomeSucceeded, final.Stages[stageID].Outcome, stageID)
	}

	assert.Equal(t, "sha-abc123", final.Stages[fleet.StageBuildTest].Outputs["imageUri"])
	assert.Equal(t, "NexusCluster", final.Stages[fleet.StageSharedInfra].Outputs["clusterIdentifier"])
	assert.Equal(t, "release-manager", final.Stages[fleet.StageApproval].Outputs["approvedBy"])

	data := final.Stages["deploy-data"]
	assert.Equal(t, "DataService", data.Outputs["serviceName"])
	assert.Equal(t, "NexusCluster", data.Outputs["clusterName"])
	assert.Equal(t, "sha-abc123", data.Outputs["imageUri"])

	// The artifact identifier threads into every service stack.
	for _, stack := range []string{"nexus-data-service", "nexus-reversion-service", "nexus-momentum-service"} {
		params, ok := h.cfn.StackParameters(stack)
		require.True(t, ok, stack)
		assert.Equal(t, "sha-abc123", params["ImageURI"], stack)
	}
	assert.Equal(t, 4, h.cfn.StackCount())
}

func TestIdenticalRerunIsNoOpButSucceeds(t *testing.T) {
	h := newHarness(t)

	first, err := h.engine.Trigger(context.Background(), engine.TriggerRequest{
		Event: "push", Branch: "main", Commit: "abc123", Actor: "ci",
	})
	require.NoError(t, err)
	h.approveWhenPending(t, first.ID, true)
	h.engine.Wait()

	second, err := h.engine.Trigger(context.Background(), engine.TriggerRequest{
		Event: "push", Branch: "main", Commit: "abc123", Actor: "ci",
	})
	require.NoError(t, err)
	h.approveWhenPending(t, second.ID, true)
	h.engine.Wait()

	final, err := h.store.GetRun(context.Background(), second.ID)
	require.NoError(t, err)
	assert.True(t, final.Healthy)
	assert.Equal(t, pipeline.OutcomeSucceeded, final.Stages["deploy-data"].Outcome)
	assert.Equal(t, "true", final.Stages["deploy-data"].Outputs["noop"])
	assert.Equal(t, "true", final.Stages[fleet.StageSharedInfra].Outputs["noop"])
	assert.Equal(t, 4, h.cfn.StackCount(), "re-run must not create new stacks")
}

func TestPullRequestOnlyBuilds(t *testing.T) {
	h := newHarness(t)

	rec, err := h.engine.Trigger(context.Background(), engine.TriggerRequest{
		Event: "pull_request", Branch: "feature/risk-model", Commit: "def456", Actor: "dev",
	})
	require.NoError(t, err)
	h.engine.Wait()

	final, err := h.store.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, final.Healthy)
	assert.Equal(t, pipeline.OutcomeSucceeded, final.Stages[fleet.StageBuildTest].Outcome)
	for _, stageID := range []string{fleet.StageSharedInfra, fleet.StageApproval, "deploy-data", "deploy-reversion", "deploy-momentum"} {
		assert.Equal(t, pipeline.OutcomeSkipped, final.Stages[stageID].Outcome, stageID)
	}
	assert.Zero(t, h.cfn.StackCount())
}

func TestSelectionNoneNeverDeploys(t *testing.T) {
	h := newHarness(t)

	rec, err := h.engine.Trigger(context.Background(), engine.TriggerRequest{
		Event: "push", Branch: "main", Selection: "none", Commit: "abc123", Actor: "ci",
	})
	require.NoError(t, err)
	h.engine.Wait()

	final, err := h.store.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	for _, stageID := range []string{"deploy-data", "deploy-reversion", "deploy-momentum"} {
		assert.Equal(t, pipeline.OutcomeSkipped, final.Stages[stageID].Outcome, stageID)
	}
	assert.Zero(t, h.cfn.StackCount())
}

func TestManualDispatchNeverDeploys(t *testing.T) {
	h := newHarness(t)

	rec, err := h.engine.Trigger(context.Background(), engine.TriggerRequest{
		Event: "dispatch", Branch: "main", Selection: "all", Commit: "abc123", Actor: "oncall",
	})
	require.NoError(t, err)
	h.engine.Wait()

	final, err := h.store.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, final.Healthy)

	// Dispatch may refresh shared infrastructure, but the deploys and the
	// gate in front of them stay off.
	assert.Equal(t, pipeline.OutcomeSucceeded, final.Stages[fleet.StageSharedInfra].Outcome)
	assert.Equal(t, pipeline.OutcomeSkipped, final.Stages[fleet.StageApproval].Outcome)
	for _, stageID := range []string{"deploy-data", "deploy-reversion", "deploy-momentum"} {
		assert.Equal(t, pipeline.OutcomeSkipped, final.Stages[stageID].Outcome, stageID)
	}
	assert.Equal(t, 1, h.cfn.StackCount())
}

func TestRejectionSkipsDownstreamAndStaysHealthy(t *testing.T) {
	h := newHarness(t)

	rec, err := h.engine.Trigger(context.Background(), engine.TriggerRequest{
		Event: "push", Branch: "main", Commit: "abc123", Actor: "ci",
	})
	require.NoError(t, err)
	h.approveWhenPending(t, rec.ID, false)
	h.engine.Wait()

	final, err := h.store.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, final.Healthy, "a rejected approval is not a failure")

	gate := final.Stages[fleet.StageApproval]
	assert.Equal(t, pipeline.OutcomeSkipped, gate.Outcome)
	assert.Contains(t, gate.Reason, "rejected")
	for _, stageID := range []string{"deploy-data", "deploy-reversion", "deploy-momentum"} {
		assert.Equal(t, pipeline.OutcomeSkipped, final.Stages[stageID].Outcome, stageID)
	}
	// Shared infra was already up before the human said no.
	assert.Equal(t, 1, h.cfn.StackCount())
}

func TestUnresolvableTriggerIsTyped(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Trigger(context.Background(), engine.TriggerRequest{
		Event: "cron", Branch: "main",
	})
	assert.ErrorIs(t, err, engine.ErrInvalidTrigger)
}
