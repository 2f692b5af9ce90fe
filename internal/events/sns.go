package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSAPI is the subset of the SNS client the notifier needs.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes run events to an operator-facing topic. Only the
// event types operators act on are forwarded; per-stage chatter stays on the
// Kafka stream.
type SNSNotifier struct {
	api      SNSAPI
	topicARN string
}

func NewSNSNotifier(api SNSAPI, topicARN string) (*SNSNotifier, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("sns topic arn required")
	}
	return &SNSNotifier{api: api, topicARN: topicARN}, nil
}

// NewSNSClient builds the real client from ambient AWS config.
func NewSNSClient(ctx context.Context) (*sns.Client, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

func (n *SNSNotifier) Emit(ctx context.Context, ev Event) error {
	switch ev.Type {
	case TypeApprovalPending, TypeRunFinished:
	default:
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = n.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject(ev)),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

func (n *SNSNotifier) Close() error { return nil }

func subject(ev Event) string {
	switch ev.Type {
	case TypeApprovalPending:
		return fmt.Sprintf("Deployment %s awaiting approval", ev.RunID)
	case TypeRunFinished:
		state := "failed"
		if ev.Healthy != nil && *ev.Healthy {
			state = "completed"
		}
		return fmt.Sprintf("Deployment %s %s", ev.RunID, state)
	default:
		return string(ev.Type)
	}
}
