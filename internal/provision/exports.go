package provision

import "sync"

// Exports is the explicit cross-stack output context for one run. Stacks
// publish their exported outputs here and later stacks import them by name;
// nothing is shared through process-global state, so concurrent runs cannot
// observe each other's values.
type Exports struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewExports() *Exports {
	return &Exports{values: map[string]string{}}
}

// Set publishes one export. Re-publishing a name overwrites it; within a run
// that only happens when the same stack is applied again.
func (e *Exports) Set(name, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[name] = value
}

// Get looks up an export by name.
func (e *Exports) Get(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[name]
	return v, ok
}

// Snapshot copies the current export set, mainly for run records.
func (e *Exports) Snapshot() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}
