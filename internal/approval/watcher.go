package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
)

// SQSAPI is the subset of the SQS client the watcher needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient builds the real client from ambient AWS config.
func NewSQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// WatcherConfig configures the approvals queue poller.
type WatcherConfig struct {
	QueueURL string

	// WaitTime is the long-poll duration per receive. Defaults to 10s,
	// capped at SQS's 20s maximum.
	WaitTime time.Duration

	// ErrBackoff is the pause after a receive error. Defaults to 3s.
	ErrBackoff time.Duration
}

// approvalMessage is the queue wire format. Operators (or chat bots) post
// these to decide a gate without going through the HTTP API.
type approvalMessage struct {
	RunID    string `json:"runId"`
	StageID  string `json:"stageId"`
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason,omitempty"`
}

// Watcher long-polls the approvals queue and resolves matching gates.
// Malformed and already-resolved messages are deleted so they cannot poison
// the queue; messages for gates that are not open yet are left to redeliver.
type Watcher struct {
	client SQSAPI
	hub    *Hub
	cfg    WatcherConfig
}

func NewWatcher(client SQSAPI, hub *Hub, cfg WatcherConfig) (*Watcher, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("approvals queue url required")
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 10 * time.Second
	}
	if cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.ErrBackoff <= 0 {
		cfg.ErrBackoff = 3 * time.Second
	}
	return &Watcher{client: client, hub: hub, cfg: cfg}, nil
}

// Run polls until ctx is cancelled. Safe to run in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	log.Printf("[approval.watcher] polling %s", w.cfg.QueueURL)
	defer log.Printf("[approval.watcher] stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := w.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.cfg.QueueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     int32(w.cfg.WaitTime / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[approval.watcher] receive: %v", err)
			time.Sleep(w.cfg.ErrBackoff)
			continue
		}

		for _, msg := range out.Messages {
			w.handle(ctx, msg)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, msg sqstypes.Message) {
	var am approvalMessage
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &am); err != nil || am.RunID == "" || am.StageID == "" {
		log.Printf("[approval.watcher] dropping malformed message %s", aws.ToString(msg.MessageId))
		w.delete(ctx, msg)
		return
	}

	err := w.hub.Resolve(am.RunID, am.StageID, pipeline.Resolution{
		Approved: am.Approved,
		Actor:    am.Actor,
		Reason:   am.Reason,
	})
	switch {
	case err == nil:
		w.delete(ctx, msg)
	case errors.Is(err, ErrAlreadyResolved):
		// Someone beat this message to it; the decision stands.
		w.delete(ctx, msg)
	case errors.Is(err, ErrGateNotFound):
		// The gate may not be open yet; let the queue redeliver.
		log.Printf("[approval.watcher] no open gate %s/%s, leaving message for redelivery", am.RunID, am.StageID)
	default:
		log.Printf("[approval.watcher] resolve %s/%s: %v", am.RunID, am.StageID, err)
	}
}

func (w *Watcher) delete(ctx context.Context, msg sqstypes.Message) {
	if _, err := w.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		log.Printf("[approval.watcher] delete message: %v", err)
	}
}
