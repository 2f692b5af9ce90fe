// Package provision applies declarative infrastructure stacks idempotently.
// Apply is an upsert: create the stack if absent, update it when the desired
// state drifted, and verify the result either way. Re-applying an unchanged
// (template, parameters) pair changes nothing and returns success.
package provision

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// Request describes one stack application. Parameters may contain import()
// and secret:// references; Exports is the run's cross-stack output context
// and receives this stack's exported outputs on success.
type Request struct {
	StackName    string
	TemplateBody []byte
	Parameters   map[string]string
	Exports      *Exports
	Tags         map[string]string
}

// StackDeployment is the verified result of an Apply.
type StackDeployment struct {
	StackName   string            `json:"stackName"`
	Status      string            `json:"status"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Exports     map[string]string `json:"exports,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	NoOp        bool              `json:"noOp"`
	AppliedAt   time.Time         `json:"appliedAt"`
}

// Config tunes the provisioner. Secrets may be nil when no secret://
// parameters are in play.
type Config struct {
	PollInterval time.Duration
	Secrets      SecretSource
}

// Provisioner serializes applies per stack name and keeps a fingerprint of
// the last successful apply so unchanged re-applies short-circuit without a
// control-plane round trip.
type Provisioner struct {
	api          CloudFormationAPI
	secrets      SecretSource
	pollInterval time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	applied map[string]string
}

func New(api CloudFormationAPI, cfg Config) *Provisioner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Provisioner{
		api:          api,
		secrets:      cfg.Secrets,
		pollInterval: cfg.PollInterval,
		locks:        map[string]*sync.Mutex{},
		applied:      map[string]string{},
	}
}

// Apply validates, resolves, and upserts one stack, then verifies the final
// stack status before reporting success. Distinct stack names apply
// concurrently; applies to the same name serialize.
func (p *Provisioner) Apply(ctx context.Context, req Request) (*StackDeployment, error) {
	tpl, err := ParseTemplate(req.TemplateBody)
	if err != nil {
		if ve, ok := err.(*ValidationError); ok {
			ve.Stack = req.StackName
		}
		return nil, err
	}
	if err := tpl.ValidateParameters(req.StackName, req.Parameters); err != nil {
		return nil, err
	}

	params, err := ResolveParameters(ctx, req.StackName, req.Parameters, req.Exports, p.secrets)
	if err != nil {
		return nil, &ApplyError{Stack: req.StackName, Err: err}
	}

	fingerprint, err := Fingerprint(req.TemplateBody, params)
	if err != nil {
		return nil, &ApplyError{Stack: req.StackName, Err: err}
	}

	unlock := p.lock(req.StackName)
	defer unlock()

	// Unchanged since the last successful apply: verify the stack is still
	// stable and return without touching it.
	if p.lastFingerprint(req.StackName) == fingerprint {
		if stack, err := p.describe(ctx, req.StackName); err == nil && stableStatus(stack.StackStatus) {
			log.Printf("[provision] stack %s unchanged, skipping apply", req.StackName)
			return p.complete(req, stack, params, fingerprint, true), nil
		}
	}

	existing, err := p.describe(ctx, req.StackName)
	exists := err == nil
	if err != nil && !isNotExists(err) {
		return nil, &ApplyError{Stack: req.StackName, Err: err}
	}

	if !exists {
		log.Printf("[provision] creating stack %s", req.StackName)
		_, err := p.api.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:    aws.String(req.StackName),
			TemplateBody: aws.String(string(req.TemplateBody)),
			Parameters:   toStackParameters(params),
			Capabilities: []cfntypes.Capability{cfntypes.CapabilityCapabilityNamedIam},
			Tags:         toStackTags(req.Tags),
		})
		if err != nil {
			return nil, &ApplyError{Stack: req.StackName, Err: err}
		}
	} else {
		log.Printf("[provision] updating stack %s (status %s)", req.StackName, existing.StackStatus)
		_, err := p.api.UpdateStack(ctx, &cloudformation.UpdateStackInput{
			StackName:    aws.String(req.StackName),
			TemplateBody: aws.String(string(req.TemplateBody)),
			Parameters:   toStackParameters(params),
			Capabilities: []cfntypes.Capability{cfntypes.CapabilityCapabilityNamedIam},
			Tags:         toStackTags(req.Tags),
		})
		if err != nil {
			if isNoUpdates(err) {
				// The control plane agrees there is no drift.
				log.Printf("[provision] stack %s already up to date", req.StackName)
				p.remember(req.StackName, fingerprint)
				return p.complete(req, existing, params, fingerprint, true), nil
			}
			return nil, &ApplyError{Stack: req.StackName, Err: err}
		}
	}

	final, err := p.waitStable(ctx, req.StackName)
	if err != nil {
		return nil, err
	}
	p.remember(req.StackName, fingerprint)
	return p.complete(req, final, params, fingerprint, false), nil
}

// waitStable polls the stack until it settles. CREATE_COMPLETE and
// UPDATE_COMPLETE verify the apply; any rollback or failure status is an
// ApplyError carrying the status.
func (p *Provisioner) waitStable(ctx context.Context, stackName string) (*cfntypes.Stack, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		stack, err := p.describe(ctx, stackName)
		if err != nil {
			return nil, &ApplyError{Stack: stackName, Err: err}
		}
		status := stack.StackStatus
		switch {
		case stableStatus(status):
			return stack, nil
		case inProgressStatus(status):
			// keep polling
		default:
			return nil, &ApplyError{Stack: stackName, Status: string(status), Err: errStackUnstable}
		}

		select {
		case <-ctx.Done():
			return nil, &ApplyError{Stack: stackName, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

var errStackUnstable = errors.New("stack did not reach a stable status")

func (p *Provisioner) describe(ctx context.Context, stackName string) (*cfntypes.Stack, error) {
	out, err := p.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Stacks) == 0 {
		return nil, &notExistsError{stackName}
	}
	return &out.Stacks[0], nil
}

// complete builds the deployment record and publishes exported outputs into
// the run's export context.
func (p *Provisioner) complete(req Request, stack *cfntypes.Stack, params map[string]string, fingerprint string, noop bool) *StackDeployment {
	dep := &StackDeployment{
		StackName:   req.StackName,
		Status:      string(stack.StackStatus),
		Outputs:     map[string]string{},
		Exports:     map[string]string{},
		Parameters:  params,
		Fingerprint: fingerprint,
		NoOp:        noop,
		AppliedAt:   time.Now().UTC(),
	}
	for _, out := range stack.Outputs {
		key := aws.ToString(out.OutputKey)
		value := aws.ToString(out.OutputValue)
		dep.Outputs[key] = value
		if name := aws.ToString(out.ExportName); name != "" {
			dep.Exports[name] = value
			if req.Exports != nil {
				req.Exports.Set(name, value)
			}
		}
	}
	return dep
}

func (p *Provisioner) lock(stackName string) func() {
	p.mu.Lock()
	l, ok := p.locks[stackName]
	if !ok {
		l = &sync.Mutex{}
		p.locks[stackName] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (p *Provisioner) lastFingerprint(stackName string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied[stackName]
}

func (p *Provisioner) remember(stackName, fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied[stackName] = fingerprint
}

func stableStatus(s cfntypes.StackStatus) bool {
	return s == cfntypes.StackStatusCreateComplete || s == cfntypes.StackStatusUpdateComplete
}

func inProgressStatus(s cfntypes.StackStatus) bool {
	switch s {
	case cfntypes.StackStatusCreateInProgress,
		cfntypes.StackStatusUpdateInProgress,
		cfntypes.StackStatusUpdateCompleteCleanupInProgress,
		cfntypes.StackStatusReviewInProgress:
		return true
	}
	return false
}

type notExistsError struct{ stack string }

func (e *notExistsError) Error() string {
	// Mirrors the control plane's own message shape.
	return "stack " + e.stack + " does not exist"
}

// isNotExists matches both our in-memory control plane and the real one,
// which reports missing stacks as a generic validation error by message.
func isNotExists(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "does not exist")
}

// isNoUpdates matches the control plane's signal that the submitted template
// and parameters equal the live stack. There is no typed error for it.
func isNoUpdates(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "No updates are to be performed")
}

func toStackParameters(params map[string]string) []cfntypes.Parameter {
	if len(params) == 0 {
		return nil
	}
	out := make([]cfntypes.Parameter, 0, len(params))
	for k, v := range params {
		out = append(out, cfntypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(v),
		})
	}
	return out
}

func toStackTags(tags map[string]string) []cfntypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]cfntypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, cfntypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}
