// Package artifact wraps the external build system. The orchestrator only
// cares that a build produces a pass/fail signal and, on pass, one immutable
// artifact identifier that every deploy stage in the run shares.
package artifact

import (
	"context"
	"fmt"

	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

// Builder runs the build/test toolchain for one commit and returns the
// identifier of the published artifact. An error means the build, tests, or
// publish failed; the orchestrator records the stage failed either way.
type Builder interface {
	Build(ctx context.Context, tc trigger.Context) (string, error)
}

// StaticBuilder derives the artifact identifier from the commit without
// calling out anywhere. It backs dry runs and tests, where the build system
// is assumed green.
type StaticBuilder struct {
	// Prefix is prepended to the commit, "sha-" when empty.
	Prefix string
}

func (b StaticBuilder) Build(ctx context.Context, tc trigger.Context) (string, error) {
	if tc.Commit == "" {
		return "", fmt.Errorf("build requires a commit")
	}
	prefix := b.Prefix
	if prefix == "" {
		prefix = "sha-"
	}
	return prefix + tc.Commit, nil
}
