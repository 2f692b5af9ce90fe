// Package approval implements human-in-the-loop gates. A gate suspends its
// pipeline stage until someone resolves it through the HTTP API or the
// approvals queue; there is no timeout, a pending gate waits indefinitely.
package approval

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
)

var (
	ErrGateNotFound    = errors.New("approval gate not found")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// PendingGate describes one gate awaiting a decision.
type PendingGate struct {
	RunID       string    `json:"runId"`
	StageID     string    `json:"stageId"`
	RequestedAt time.Time `json:"requestedAt"`
}

type gate struct {
	PendingGate
	ch       chan pipeline.Resolution
	resolved bool
}

// Hub tracks open gates across runs. The first decision for a gate wins;
// later ones are rejected so two approvers cannot both believe they decided.
type Hub struct {
	mu    sync.Mutex
	gates map[string]*gate
}

func NewHub() *Hub {
	return &Hub{gates: map[string]*gate{}}
}

func gateKey(runID, stageID string) string {
	return runID + "/" + stageID
}

// open registers a gate and returns its decision channel. Each (run, stage)
// pair opens at most once per run because a stage executes at most once.
func (h *Hub) open(runID, stageID string) (<-chan pipeline.Resolution, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := gateKey(runID, stageID)
	if _, exists := h.gates[key]; exists {
		return nil, fmt.Errorf("gate %s already open", key)
	}
	g := &gate{
		PendingGate: PendingGate{RunID: runID, StageID: stageID, RequestedAt: time.Now().UTC()},
		ch:          make(chan pipeline.Resolution, 1),
	}
	h.gates[key] = g
	log.Printf("[approval] gate %s awaiting decision", key)
	return g.ch, nil
}

// Resolve delivers a decision to an open gate. Exactly one resolution is
// accepted per gate.
func (h *Hub) Resolve(runID, stageID string, res pipeline.Resolution) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.gates[gateKey(runID, stageID)]
	if !ok {
		return ErrGateNotFound
	}
	if g.resolved {
		return ErrAlreadyResolved
	}
	g.resolved = true
	g.ch <- res
	log.Printf("[approval] gate %s/%s resolved approved=%v by %s", runID, stageID, res.Approved, res.Actor)
	return nil
}

// Pending lists unresolved gates, sorted for stable output.
func (h *Hub) Pending() []PendingGate {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []PendingGate
	for _, g := range h.gates {
		if !g.resolved {
			out = append(out, g.PendingGate)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StageID < out[j].StageID
	})
	return out
}

// CloseRun drops all gates belonging to a finished run.
func (h *Hub) CloseRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.gates {
		if strings.HasPrefix(key, runID+"/") {
			delete(h.gates, key)
		}
	}
}
