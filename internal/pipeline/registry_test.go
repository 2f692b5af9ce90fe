package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
)

func stage(id string, needs ...string) pipeline.Stage {
	return pipeline.Stage{
		ID:    id,
		Kind:  pipeline.KindBuild,
		Needs: needs,
		Exec: pipeline.ExecutorFunc(func(ctx context.Context, sc pipeline.StageContext) (pipeline.Outputs, error) {
			return nil, nil
		}),
	}
}

func TestRegistryRejectsBadStages(t *testing.T) {
	reg := pipeline.NewRegistry()

	err := reg.Add(pipeline.Stage{Kind: pipeline.KindBuild})
	assert.ErrorContains(t, err, "stage id required")

	err = reg.Add(pipeline.Stage{ID: "x", Kind: pipeline.KindBuild})
	assert.ErrorContains(t, err, "executor required")

	err = reg.Add(pipeline.Stage{ID: "x", Kind: "verify", Exec: stage("x").Exec})
	assert.ErrorContains(t, err, "unknown kind")

	require.NoError(t, reg.Add(stage("x")))
	err = reg.Add(stage("x"))
	assert.ErrorContains(t, err, "duplicate id")
}

func TestValidateCatchesUnknownDependency(t *testing.T) {
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Add(stage("deploy", "build")))
	assert.ErrorContains(t, reg.Validate(), `unknown dependency "build"`)
}

func TestValidateCatchesSelfDependency(t *testing.T) {
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Add(stage("loop", "loop")))
	assert.ErrorContains(t, reg.Validate(), "depends on itself")
}

func TestValidateCatchesCycle(t *testing.T) {
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Add(stage("a", "c")))
	require.NoError(t, reg.Add(stage("b", "a")))
	require.NoError(t, reg.Add(stage("c", "b")))
	require.NoError(t, reg.Add(stage("root")))

	err := reg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "dependency cycle")
	assert.ErrorContains(t, err, "a")
}

func TestStagesSortedByID(t *testing.T) {
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Add(stage("zeta")))
	require.NoError(t, reg.Add(stage("alpha")))
	require.NoError(t, reg.Add(stage("mid")))

	var ids []string
	for _, st := range reg.Stages() {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
	assert.Equal(t, 3, reg.Len())
}

func TestNeedsAreCopiedOnAdd(t *testing.T) {
	needs := []string{"build"}
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Add(stage("build")))
	require.NoError(t, reg.Add(stage("deploy", needs...)))

	needs[0] = "mutated"
	st, ok := reg.Stage("deploy")
	require.True(t, ok)
	assert.Equal(t, []string{"build"}, st.Needs)
}
