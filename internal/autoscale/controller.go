// Package autoscale runs a target-tracking control loop per deployed
// service: observe an aggregate utilization metric, compute the capacity
// that would bring it to the target, and nudge the service toward it within
// min/max bounds. Per-direction cooldowns damp the loop so noisy metrics do
// not thrash capacity.
package autoscale

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"
)

// MetricSpec names the utilization metric a controller tracks.
type MetricSpec struct {
	Namespace string
	Name      string
	Cluster   string
	Service   string
}

// Target is the scaling envelope for one service.
type Target struct {
	ServiceRef       string
	MinCapacity      int
	MaxCapacity      int
	TargetValue      float64
	Metric           MetricSpec
	ScaleInCooldown  time.Duration
	ScaleOutCooldown time.Duration
}

func (t Target) validate() error {
	if t.ServiceRef == "" {
		return fmt.Errorf("service ref required")
	}
	if t.MinCapacity < 0 || t.MaxCapacity < t.MinCapacity {
		return fmt.Errorf("capacity bounds invalid: min=%d max=%d", t.MinCapacity, t.MaxCapacity)
	}
	if t.TargetValue <= 0 {
		return fmt.Errorf("target value must be positive")
	}
	return nil
}

// MetricSource observes the current value of a metric. The CloudWatch client
// satisfies it; tests feed scripted observations.
type MetricSource interface {
	Observe(ctx context.Context, spec MetricSpec) (float64, error)
}

// Actuator applies a capacity decision to the running service.
type Actuator interface {
	CurrentCapacity(ctx context.Context, serviceRef string) (int, error)
	SetCapacity(ctx context.Context, serviceRef string, capacity int) error
}

// Controller is one closed loop. It is not safe for concurrent Tick calls;
// Run drives it from a single goroutine.
type Controller struct {
	target   Target
	source   MetricSource
	actuator Actuator

	lastScaleOut time.Time
	lastScaleIn  time.Time
}

func NewController(target Target, source MetricSource, actuator Actuator) (*Controller, error) {
	if err := target.validate(); err != nil {
		return nil, fmt.Errorf("target %s: %w", target.ServiceRef, err)
	}
	return &Controller{target: target, source: source, actuator: actuator}, nil
}

// Action describes what a tick decided, mainly for logs and tests.
type Action struct {
	Observed float64
	From     int
	To       int
	Held     bool
	Reason   string
}

// Tick runs one control iteration at the given time. A fixed envelope
// (min == max) never issues an action; the service is pinned.
func (c *Controller) Tick(ctx context.Context, now time.Time) (Action, error) {
	if c.target.MinCapacity == c.target.MaxCapacity {
		return Action{Held: true, Reason: "fixed capacity"}, nil
	}

	observed, err := c.source.Observe(ctx, c.target.Metric)
	if err != nil {
		return Action{}, fmt.Errorf("observe %s: %w", c.target.ServiceRef, err)
	}
	current, err := c.actuator.CurrentCapacity(ctx, c.target.ServiceRef)
	if err != nil {
		return Action{}, fmt.Errorf("current capacity %s: %w", c.target.ServiceRef, err)
	}

	desired := c.desiredCapacity(observed, current)
	act := Action{Observed: observed, From: current, To: desired}

	switch {
	case desired == current:
		act.Held = true
		act.Reason = "at target"
	case desired > current:
		if since := now.Sub(c.lastScaleOut); !c.lastScaleOut.IsZero() && since < c.target.ScaleOutCooldown {
			act.Held = true
			act.To = current
			act.Reason = fmt.Sprintf("scale-out cooldown (%s remaining)", (c.target.ScaleOutCooldown - since).Round(time.Second))
			return act, nil
		}
		if err := c.actuator.SetCapacity(ctx, c.target.ServiceRef, desired); err != nil {
			return Action{}, fmt.Errorf("scale out %s: %w", c.target.ServiceRef, err)
		}
		c.lastScaleOut = now
		act.Reason = "scale out"
	default:
		if since := now.Sub(c.lastScaleIn); !c.lastScaleIn.IsZero() && since < c.target.ScaleInCooldown {
			act.Held = true
			act.To = current
			act.Reason = fmt.Sprintf("scale-in cooldown (%s remaining)", (c.target.ScaleInCooldown - since).Round(time.Second))
			return act, nil
		}
		if err := c.actuator.SetCapacity(ctx, c.target.ServiceRef, desired); err != nil {
			return Action{}, fmt.Errorf("scale in %s: %w", c.target.ServiceRef, err)
		}
		c.lastScaleIn = now
		act.Reason = "scale in"
	}
	return act, nil
}

// desiredCapacity is the monotonic target-tracking function: scale capacity
// proportionally to observed/target, rounded up, clamped to the envelope.
// A zero current capacity scales from one so the service can come back.
func (c *Controller) desiredCapacity(observed float64, current int) int {
	base := current
	if base < 1 {
		base = 1
	}
	desired := int(math.Ceil(float64(base) * observed / c.target.TargetValue))
	if desired < c.target.MinCapacity {
		desired = c.target.MinCapacity
	}
	if desired > c.target.MaxCapacity {
		desired = c.target.MaxCapacity
	}
	return desired
}

// Run ticks the controller until ctx is cancelled. Observation errors are
// logged and the loop keeps going; a transient metric outage should not kill
// scaling for the life of the process.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("[autoscale] %s: tracking %s/%s target=%.1f bounds=[%d,%d]",
		c.target.ServiceRef, c.target.Metric.Namespace, c.target.Metric.Name,
		c.target.TargetValue, c.target.MinCapacity, c.target.MaxCapacity)
	defer log.Printf("[autoscale] %s: stopped", c.target.ServiceRef)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			act, err := c.Tick(ctx, now)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[autoscale] %s: tick: %v", c.target.ServiceRef, err)
				continue
			}
			if !act.Held {
				log.Printf("[autoscale] %s: %s %d -> %d (observed %.1f)",
					c.target.ServiceRef, act.Reason, act.From, act.To, act.Observed)
			}
		}
	}
}
