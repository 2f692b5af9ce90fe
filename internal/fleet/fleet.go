// Package fleet declares the Nexus deployment pipeline: one build/test
// stage, one shared-infrastructure stage, one approval gate, and one deploy
// stage per service. The stage graph is data; this package only wires
// executors and predicates around the collaborators that do the work.
package fleet

import (
	"context"
	"embed"
	"fmt"
	"strconv"
	"time"

	"github.com/nexusmarkets/nexus-deploy/internal/approval"
	"github.com/nexusmarkets/nexus-deploy/internal/artifact"
	"github.com/nexusmarkets/nexus-deploy/internal/autoscale"
	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
	"github.com/nexusmarkets/nexus-deploy/internal/provision"
	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

//go:embed templates/*.yaml
var templatesFS embed.FS

// Stage identifiers of the fixed part of the graph. Deploy stages are named
// "deploy-<service>".
const (
	StageBuildTest   = "build-test"
	StageSharedInfra = "shared-infra"
	StageApproval    = "deploy-approval"
)

// StackApplier is the slice of the provisioner deploy stages use.
type StackApplier interface {
	Apply(ctx context.Context, req provision.Request) (*provision.StackDeployment, error)
}

// ServiceSpec describes one deployable service and its scaling envelope.
type ServiceSpec struct {
	// Selection is the dispatch name of the service ("data", ...).
	Selection trigger.Selection

	// ServiceName is the deployed service's name ("DataService").
	ServiceName string

	// StackName is the per-service stack. Distinct services get distinct
	// stacks so their applies run concurrently.
	StackName string

	MinCapacity      int
	MaxCapacity      int
	TargetCPU        float64
	ScaleInCooldown  time.Duration
	ScaleOutCooldown time.Duration
}

// DefaultServices is the production fleet: the Data, Reversion, and Momentum
// workloads.
func DefaultServices() []ServiceSpec {
	return []ServiceSpec{
		{
			Selection:        trigger.SelectData,
			ServiceName:      "DataService",
			StackName:        "nexus-data-service",
			MinCapacity:      2,
			MaxCapacity:      8,
			TargetCPU:        50,
			ScaleInCooldown:  2 * time.Minute,
			ScaleOutCooldown: time.Minute,
		},
		{
			Selection:        trigger.SelectReversion,
			ServiceName:      "ReversionService",
			StackName:        "nexus-reversion-service",
			MinCapacity:      1,
			MaxCapacity:      4,
			TargetCPU:        55,
			ScaleInCooldown:  2 * time.Minute,
			ScaleOutCooldown: time.Minute,
		},
		{
			Selection:        trigger.SelectMomentum,
			ServiceName:      "MomentumService",
			StackName:        "nexus-momentum-service",
			MinCapacity:      1,
			MaxCapacity:      6,
			TargetCPU:        45,
			ScaleInCooldown:  2 * time.Minute,
			ScaleOutCooldown: time.Minute,
		},
	}
}

// Config identifies the shared infrastructure and the fleet.
type Config struct {
	Environment     string
	ClusterName     string
	SharedStackName string
	Services        []ServiceSpec
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.ClusterName == "" {
		c.ClusterName = "NexusCluster"
	}
	if c.SharedStackName == "" {
		c.SharedStackName = "nexus-shared-infra"
	}
	if len(c.Services) == 0 {
		c.Services = DefaultServices()
	}
}

// Pipeline builds per-run stage graphs over the given collaborators.
type Pipeline struct {
	builder artifact.Builder
	applier StackApplier
	hub     *approval.Hub
	cfg     Config

	sharedTemplate  []byte
	serviceTemplate []byte
}

func New(builder artifact.Builder, applier StackApplier, hub *approval.Hub, cfg Config) (*Pipeline, error) {
	cfg.applyDefaults()
	shared, err := templatesFS.ReadFile("templates/shared-infra.yaml")
	if err != nil {
		return nil, fmt.Errorf("read shared template: %w", err)
	}
	service, err := templatesFS.ReadFile("templates/service.yaml")
	if err != nil {
		return nil, fmt.Errorf("read service template: %w", err)
	}
	// Fail at startup, not mid-run, if a template is broken.
	if _, err := provision.ParseTemplate(shared); err != nil {
		return nil, fmt.Errorf("shared template: %w", err)
	}
	if _, err := provision.ParseTemplate(service); err != nil {
		return nil, fmt.Errorf("service template: %w", err)
	}
	return &Pipeline{
		builder:         builder,
		applier:         applier,
		hub:             hub,
		cfg:             cfg,
		sharedTemplate:  shared,
		serviceTemplate: service,
	}, nil
}

// DeployStageID names the deploy stage for a service selection.
func DeployStageID(sel trigger.Selection) string {
	return "deploy-" + string(sel)
}

// Definition builds a fresh stage graph and export context for one run.
// Exports are per run so concurrent runs cannot read each other's stack
// outputs.
func (p *Pipeline) Definition() (*pipeline.Registry, *provision.Exports, error) {
	exports := provision.NewExports()
	reg := pipeline.NewRegistry()

	if err := reg.Add(pipeline.Stage{
		ID:   StageBuildTest,
		Kind: pipeline.KindBuild,
		When: pipeline.Always,
		Exec: pipeline.ExecutorFunc(p.runBuild),
	}); err != nil {
		return nil, nil, err
	}

	if err := reg.Add(pipeline.Stage{
		ID:    StageSharedInfra,
		Kind:  pipeline.KindProvision,
		Needs: []string{StageBuildTest},
		When: pipeline.And(
			pipeline.OnTrigger(trigger.Context.Provisions),
			pipeline.AllSucceeded,
		),
		Exec: pipeline.ExecutorFunc(func(ctx context.Context, sc pipeline.StageContext) (pipeline.Outputs, error) {
			return p.applySharedInfra(ctx, exports)
		}),
	}); err != nil {
		return nil, nil, err
	}

	if err := reg.Add(pipeline.Stage{
		ID:    StageApproval,
		Kind:  pipeline.KindGate,
		Needs: []string{StageBuildTest, StageSharedInfra},
		When: pipeline.And(
			pipeline.OnTrigger(p.anyDeployTargeted),
			pipeline.AllSucceeded,
		),
		Exec: &approval.GateExecutor{Hub: p.hub},
	}); err != nil {
		return nil, nil, err
	}

	for _, spec := range p.cfg.Services {
		spec := spec
		if err := reg.Add(pipeline.Stage{
			ID:    DeployStageID(spec.Selection),
			Kind:  pipeline.KindDeploy,
			Needs: []string{StageBuildTest, StageSharedInfra, StageApproval},
			When:  pipeline.DeployTargeted(spec.Selection),
			Exec: pipeline.ExecutorFunc(func(ctx context.Context, sc pipeline.StageContext) (pipeline.Outputs, error) {
				return p.deployService(ctx, sc, spec, exports)
			}),
		}); err != nil {
			return nil, nil, err
		}
	}

	if err := reg.Validate(); err != nil {
		return nil, nil, err
	}
	return reg, exports, nil
}

// anyDeployTargeted reports whether the trigger deploys at least one service,
// which is what makes asking a human worthwhile.
func (p *Pipeline) anyDeployTargeted(tc trigger.Context) bool {
	for _, spec := range p.cfg.Services {
		if tc.DeploysTo(spec.Selection) {
			return true
		}
	}
	return false
}

func (p *Pipeline) runBuild(ctx context.Context, sc pipeline.StageContext) (pipeline.Outputs, error) {
	id, err := p.builder.Build(ctx, sc.Trigger)
	if err != nil {
		return nil, err
	}
	return pipeline.Outputs{"imageUri": id}, nil
}

func (p *Pipeline) applySharedInfra(ctx context.Context, exports *provision.Exports) (pipeline.Outputs, error) {
	dep, err := p.applier.Apply(ctx, provision.Request{
		StackName:    p.cfg.SharedStackName,
		TemplateBody: p.sharedTemplate,
		Parameters: map[string]string{
			"Environment": p.cfg.Environment,
			"ClusterName": p.cfg.ClusterName,
		},
		Exports: exports,
		Tags:    p.stackTags(),
	})
	if err != nil {
		return nil, err
	}

	out := pipeline.Outputs{"stackName": dep.StackName, "noop": strconv.FormatBool(dep.NoOp)}
	for name, value := range dep.Exports {
		out[name] = value
	}
	return out, nil
}

func (p *Pipeline) deployService(ctx context.Context, sc pipeline.StageContext, spec ServiceSpec, exports *provision.Exports) (pipeline.Outputs, error) {
	image := sc.Deps[StageBuildTest].Outputs["imageUri"]
	if image == "" {
		return nil, fmt.Errorf("build stage published no artifact identifier")
	}

	dep, err := p.applier.Apply(ctx, provision.Request{
		StackName:    spec.StackName,
		TemplateBody: p.serviceTemplate,
		Parameters: map[string]string{
			"ServiceName":             spec.ServiceName,
			"ImageURI":                image,
			"ClusterIdentifier":       "import(clusterIdentifier)",
			"SubnetA":                 "import(networkSubnetA)",
			"SubnetB":                 "import(networkSubnetB)",
			"TaskExecutionRoleArn":    "import(taskExecutionRoleArn)",
			"InstanceProfile":         "import(instanceProfile)",
			"DesiredCount":            strconv.Itoa(spec.MinCapacity),
			"MinCapacity":             strconv.Itoa(spec.MinCapacity),
			"MaxCapacity":             strconv.Itoa(spec.MaxCapacity),
			"TargetCPUUtilization":    strconv.FormatFloat(spec.TargetCPU, 'f', -1, 64),
			"ScaleInCooldownSeconds":  strconv.Itoa(int(spec.ScaleInCooldown / time.Second)),
			"ScaleOutCooldownSeconds": strconv.Itoa(int(spec.ScaleOutCooldown / time.Second)),
		},
		Exports: exports,
		Tags:    p.stackTags(),
	})
	if err != nil {
		return nil, err
	}

	return pipeline.Outputs{
		"clusterName": dep.Outputs["ClusterName"],
		"serviceName": dep.Outputs["ServiceName"],
		"stackName":   dep.StackName,
		"imageUri":    image,
		"noop":        strconv.FormatBool(dep.NoOp),
	}, nil
}

func (p *Pipeline) stackTags() map[string]string {
	return map[string]string{
		"ManagedBy":   "nexus-deploy",
		"Environment": p.cfg.Environment,
	}
}

// ScalingTargets maps each deploy stage to the autoscaling target its
// service runs under, for the engine to start controllers after a deploy.
func (p *Pipeline) ScalingTargets() map[string]autoscale.Target {
	out := make(map[string]autoscale.Target, len(p.cfg.Services))
	for _, spec := range p.cfg.Services {
		out[DeployStageID(spec.Selection)] = autoscale.Target{
			ServiceRef:  p.cfg.ClusterName + "/" + spec.ServiceName,
			MinCapacity: spec.MinCapacity,
			MaxCapacity: spec.MaxCapacity,
			TargetValue: spec.TargetCPU,
			Metric: autoscale.MetricSpec{
				Namespace: "AWS/ECS",
				Name:      "CPUUtilization",
				Cluster:   p.cfg.ClusterName,
				Service:   spec.ServiceName,
			},
			ScaleInCooldown:  spec.ScaleInCooldown,
			ScaleOutCooldown: spec.ScaleOutCooldown,
		}
	}
	return out
}
