package approval

import (
	"context"
	"errors"

	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
)

// GateExecutor is the pipeline executor for approval stages. The scheduler
// detects the Suspender implementation and parks the stage on the decision
// channel instead of running Execute, so no worker slot is held while a
// human decides.
type GateExecutor struct {
	Hub *Hub
}

func (g *GateExecutor) Execute(ctx context.Context, sc pipeline.StageContext) (pipeline.Outputs, error) {
	return nil, errors.New("approval gates complete through Suspend, not Execute")
}

func (g *GateExecutor) Suspend(ctx context.Context, sc pipeline.StageContext) (<-chan pipeline.Resolution, error) {
	return g.Hub.open(sc.RunID, sc.StageID)
}
