package autoscale

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
)

// ECSAPI is the subset of the ECS client the actuator needs.
type ECSAPI interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// ECSActuator scales ECS services. Service refs are "cluster/service".
type ECSActuator struct {
	api ECSAPI
}

func NewECSActuator(api ECSAPI) *ECSActuator {
	return &ECSActuator{api: api}
}

// NewECSActuatorFromEnv builds an actuator on the default AWS config chain.
func NewECSActuatorFromEnv(ctx context.Context) (*ECSActuator, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewECSActuator(ecs.NewFromConfig(cfg)), nil
}

func splitRef(serviceRef string) (cluster, service string, err error) {
	cluster, service, ok := strings.Cut(serviceRef, "/")
	if !ok || cluster == "" || service == "" {
		return "", "", fmt.Errorf("service ref %q: want cluster/service", serviceRef)
	}
	return cluster, service, nil
}

func (a *ECSActuator) CurrentCapacity(ctx context.Context, serviceRef string) (int, error) {
	cluster, service, err := splitRef(serviceRef)
	if err != nil {
		return 0, err
	}
	out, err := a.api.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{service},
	})
	if err != nil {
		return 0, fmt.Errorf("describe service %s: %w", serviceRef, err)
	}
	if len(out.Services) == 0 {
		return 0, fmt.Errorf("service %s not found", serviceRef)
	}
	return int(out.Services[0].DesiredCount), nil
}

func (a *ECSActuator) SetCapacity(ctx context.Context, serviceRef string, capacity int) error {
	cluster, service, err := splitRef(serviceRef)
	if err != nil {
		return err
	}
	_, err = a.api.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(cluster),
		Service:      aws.String(service),
		DesiredCount: aws.Int32(int32(capacity)),
	})
	if err != nil {
		return fmt.Errorf("update service %s: %w", serviceRef, err)
	}
	return nil
}
