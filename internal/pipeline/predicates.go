package pipeline

import "github.com/nexusmarkets/nexus-deploy/internal/trigger"

// AllSucceeded is the default readiness rule: every declared dependency
// finished with OutcomeSucceeded. A failed or skipped dependency therefore
// skips the stage, which is how failure propagates forward through the graph.
func AllSucceeded(tc trigger.Context, deps Deps) bool {
	return deps.AllSucceededIn()
}

// UpstreamHealthy tolerates skipped dependencies but not failed ones. Use it
// for stages that should still run when an optional upstream was skipped by
// its own predicate.
func UpstreamHealthy(tc trigger.Context, deps Deps) bool {
	for _, res := range deps {
		if res.Outcome == OutcomeFailed {
			return false
		}
	}
	return true
}

// Always runs the stage regardless of trigger or upstream outcomes.
func Always(tc trigger.Context, deps Deps) bool { return true }

// And combines predicates; all must hold.
func And(ps ...Predicate) Predicate {
	return func(tc trigger.Context, deps Deps) bool {
		for _, p := range ps {
			if !p(tc, deps) {
				return false
			}
		}
		return true
	}
}

// OnTrigger lifts a rule over the trigger context alone into a predicate.
func OnTrigger(f func(trigger.Context) bool) Predicate {
	return func(tc trigger.Context, deps Deps) bool {
		return f(tc)
	}
}

// DeployTargeted gates a deploy stage: upstream must have succeeded and the
// trigger must target the service. The trigger side already encodes the
// safety rules (protected push only, explicit "none" wins, dispatch never
// deploys), so this is the only predicate deploy stages need.
func DeployTargeted(service trigger.Selection) Predicate {
	return And(OnTrigger(func(tc trigger.Context) bool {
		return tc.DeploysTo(service)
	}), AllSucceeded)
}
