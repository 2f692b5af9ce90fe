package autoscale

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Manager owns one controller goroutine per service. Re-ensuring a service,
// as every successful deploy does, replaces its controller so new bounds and
// targets take effect without restarting the process.
type Manager struct {
	source   MetricSource
	actuator Actuator
	interval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(source MetricSource, actuator Actuator, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Manager{
		source:   source,
		actuator: actuator,
		interval: interval,
		cancels:  map[string]context.CancelFunc{},
	}
}

// Ensure starts (or restarts) the control loop for a target. ctx bounds the
// controller's lifetime; cancelling it stops every loop started under it.
func (m *Manager) Ensure(ctx context.Context, target Target) error {
	ctl, err := NewController(target, m.source, m.actuator)
	if err != nil {
		return fmt.Errorf("ensure controller: %w", err)
	}

	m.mu.Lock()
	if cancel, ok := m.cancels[target.ServiceRef]; ok {
		cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancels[target.ServiceRef] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := ctl.Run(runCtx, m.interval); err != nil && runCtx.Err() == nil {
			log.Printf("[autoscale] %s: controller exited: %v", target.ServiceRef, err)
		}
	}()
	return nil
}

// Stop cancels every controller and waits for the loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for ref, cancel := range m.cancels {
		cancel()
		delete(m.cancels, ref)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
