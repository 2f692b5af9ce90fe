package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmarkets/nexus-deploy/internal/events"
)

type captureSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (c *captureSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.inputs = append(c.inputs, params)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestSNSNotifierForwardsOperatorEvents(t *testing.T) {
	api := &captureSNS{}
	n, err := events.NewSNSNotifier(api, "arn:aws:sns:us-east-1:1:deploys")
	require.NoError(t, err)

	healthy := true
	require.NoError(t, n.Emit(context.Background(), events.Event{
		Type:    events.TypeRunFinished,
		RunID:   "run-1",
		Healthy: &healthy,
	}))
	require.NoError(t, n.Emit(context.Background(), events.Event{
		Type:    events.TypeApprovalPending,
		RunID:   "run-1",
		StageID: "deploy-approval",
	}))

	require.Len(t, api.inputs, 2)
	assert.Equal(t, "Deployment run-1 completed", aws.ToString(api.inputs[0].Subject))
	assert.Equal(t, "Deployment run-1 awaiting approval", aws.ToString(api.inputs[1].Subject))

	var decoded events.Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(api.inputs[1].Message)), &decoded))
	assert.Equal(t, "deploy-approval", decoded.StageID)
}

func TestSNSNotifierIgnoresStageChatter(t *testing.T) {
	api := &captureSNS{}
	n, err := events.NewSNSNotifier(api, "arn:aws:sns:us-east-1:1:deploys")
	require.NoError(t, err)

	require.NoError(t, n.Emit(context.Background(), events.Event{Type: events.TypeStageRunning, RunID: "run-1"}))
	require.NoError(t, n.Emit(context.Background(), events.Event{Type: events.TypeStageFinished, RunID: "run-1"}))
	assert.Empty(t, api.inputs)
}

type failEmitter struct{ calls int }

func (f *failEmitter) Emit(ctx context.Context, ev events.Event) error {
	f.calls++
	return errors.New("boom")
}
func (f *failEmitter) Close() error { return nil }

type okEmitter struct{ calls int }

func (o *okEmitter) Emit(ctx context.Context, ev events.Event) error {
	o.calls++
	return nil
}
func (o *okEmitter) Close() error { return nil }

func TestFanoutKeepsGoingPastFailures(t *testing.T) {
	bad := &failEmitter{}
	good := &okEmitter{}
	f := events.NewFanout(bad, good)

	require.NoError(t, f.Emit(context.Background(), events.Event{Type: events.TypeRunStarted, RunID: "run-1"}))
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, good.calls)
}
