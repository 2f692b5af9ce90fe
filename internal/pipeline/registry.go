package pipeline

import (
	"fmt"
	"sort"
)

// Registry holds the stage graph for one pipeline definition. Stages are
// added individually and the whole graph is validated before execution:
// unique IDs, declared dependencies that exist, and no cycles.
type Registry struct {
	stages map[string]*Stage
}

func NewRegistry() *Registry {
	return &Registry{stages: map[string]*Stage{}}
}

// Add registers a stage. IDs must be unique and non-empty, and every stage
// needs an executor.
func (r *Registry) Add(st Stage) error {
	if st.ID == "" {
		return fmt.Errorf("stage id required")
	}
	if st.Exec == nil {
		return fmt.Errorf("stage %s: executor required", st.ID)
	}
	switch st.Kind {
	case KindBuild, KindProvision, KindGate, KindDeploy:
	default:
		return fmt.Errorf("stage %s: unknown kind %q", st.ID, st.Kind)
	}
	if _, dup := r.stages[st.ID]; dup {
		return fmt.Errorf("stage %s: duplicate id", st.ID)
	}
	copied := st
	copied.Needs = append([]string(nil), st.Needs...)
	r.stages[st.ID] = &copied
	return nil
}

// Stage returns a registered stage by ID.
func (r *Registry) Stage(id string) (*Stage, bool) {
	st, ok := r.stages[id]
	return st, ok
}

// Stages returns all stages sorted by ID for deterministic iteration.
func (r *Registry) Stages() []*Stage {
	out := make([]*Stage, 0, len(r.stages))
	for _, st := range r.stages {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered stages.
func (r *Registry) Len() int { return len(r.stages) }

// Validate checks referential integrity and acyclicity (Kahn's algorithm).
func (r *Registry) Validate() error {
	inDegree := map[string]int{}
	dependents := map[string][]string{}

	for id, st := range r.stages {
		inDegree[id] = len(st.Needs)
		for _, dep := range st.Needs {
			if dep == id {
				return fmt.Errorf("stage %s: depends on itself", id)
			}
			if _, ok := r.stages[dep]; !ok {
				return fmt.Errorf("stage %s: unknown dependency %q", id, dep)
			}
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(r.stages) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("dependency cycle involving %v", cyclic)
	}
	return nil
}
