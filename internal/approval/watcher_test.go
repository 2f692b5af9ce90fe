package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu      sync.Mutex
	batches [][]sqstypes.Message
	deleted []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func queueMessage(id, body string) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String(id),
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-" + id),
	}
}

func newTestWatcher(t *testing.T, client SQSAPI, hub *Hub) *Watcher {
	t.Helper()
	w, err := NewWatcher(client, hub, WatcherConfig{QueueURL: "https://sqs.test/approvals"})
	require.NoError(t, err)
	return w
}

func TestWatcherRequiresQueueURL(t *testing.T) {
	_, err := NewWatcher(&fakeSQS{}, NewHub(), WatcherConfig{})
	assert.Error(t, err)
}

func TestWatcherResolvesOpenGate(t *testing.T) {
	hub := NewHub()
	ch := openGate(t, hub, "run-1", "deploy-approval")

	client := &fakeSQS{}
	w := newTestWatcher(t, client, hub)

	w.handle(context.Background(), queueMessage("m1",
		`{"runId":"run-1","stageId":"deploy-approval","approved":true,"actor":"oncall"}`))

	res := <-ch
	assert.True(t, res.Approved)
	assert.Equal(t, "oncall", res.Actor)
	assert.Equal(t, []string{"rh-m1"}, client.deletedHandles())
}

func TestWatcherDeletesMalformedMessages(t *testing.T) {
	hub := NewHub()
	client := &fakeSQS{}
	w := newTestWatcher(t, client, hub)

	w.handle(context.Background(), queueMessage("m1", "not json"))
	w.handle(context.Background(), queueMessage("m2", `{"approved":true}`))

	assert.Equal(t, []string{"rh-m1", "rh-m2"}, client.deletedHandles())
	assert.Empty(t, hub.Pending())
}

func TestWatcherLeavesMessageWhenGateNotOpen(t *testing.T) {
	hub := NewHub()
	client := &fakeSQS{}
	w := newTestWatcher(t, client, hub)

	w.handle(context.Background(), queueMessage("m1",
		`{"runId":"run-1","stageId":"deploy-approval","approved":true}`))

	assert.Empty(t, client.deletedHandles(), "message must stay queued for redelivery")
}

func TestWatcherDeletesDuplicateDecision(t *testing.T) {
	hub := NewHub()
	ch := openGate(t, hub, "run-1", "deploy-approval")

	client := &fakeSQS{}
	w := newTestWatcher(t, client, hub)

	body := `{"runId":"run-1","stageId":"deploy-approval","approved":true,"actor":"oncall"}`
	w.handle(context.Background(), queueMessage("m1", body))
	w.handle(context.Background(), queueMessage("m2", body))

	res := <-ch
	assert.True(t, res.Approved)
	assert.Equal(t, []string{"rh-m1", "rh-m2"}, client.deletedHandles())
}

func TestWatcherRunDrainsQueueUntilCancelled(t *testing.T) {
	hub := NewHub()
	ch := openGate(t, hub, "run-1", "deploy-approval")

	client := &fakeSQS{batches: [][]sqstypes.Message{{
		queueMessage("m1", `{"runId":"run-1","stageId":"deploy-approval","approved":false,"actor":"oncall","reason":"bad canary"}`),
	}}}
	w := newTestWatcher(t, client, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case res := <-ch:
		assert.False(t, res.Approved)
		assert.Equal(t, "bad canary", res.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("gate never resolved from queue")
	}
	require.Eventually(t, func() bool {
		return len(client.deletedHandles()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
