// Package events delivers billing domain events to downstream consumers.
// Production publishes to SQS; local runs log the envelope instead.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"billingledger/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher implements types.EventPublisher. Each event is one message
// whose body is the JSON envelope and whose event_type and tenant_id
// attributes allow subscription filtering without parsing the body.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
	logger   *slog.Logger
}

// NewSQSPublisher creates a publisher for the given queue.
func NewSQSPublisher(client SQSSender, queueURL string, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		clock:    types.RealClock{},
		logger:   logger,
	}
}

// Publish sends event to the queue, filling in a missing id or timestamp.
func (p *SQSPublisher) Publish(ctx context.Context, event types.DomainEvent) error {
	event = complete(event, p.clock)

	body, err := json.Marshal(event)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalPublish,
			fmt.Sprintf("failed to marshal %s event", event.Type), err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.TenantID),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppErrorWithDetails(types.ErrCodeInternalPublish,
			fmt.Sprintf("failed to send %s event", event.Type), err,
			map[string]any{"event_id": event.ID, "event_type": event.Type})
	}

	p.logger.DebugContext(ctx, "domain event published",
		"event_id", event.ID,
		"event_type", event.Type,
		"tenant_id", event.TenantID,
	)
	return nil
}

// LogPublisher writes events to the log. It is used when no queue is
// configured.
type LogPublisher struct {
	clock  types.Clock
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{clock: types.RealClock{}, logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event types.DomainEvent) error {
	event = complete(event, p.clock)
	p.logger.InfoContext(ctx, "domain event",
		"event_id", event.ID,
		"event_type", event.Type,
		"tenant_id", event.TenantID,
		"payload", event.Payload,
	)
	return nil
}

func complete(event types.DomainEvent, clock types.Clock) types.DomainEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = clock.Now()
	}
	return event
}

// NewPublisher picks the SQS publisher when queueURL is set and the log
// publisher otherwise.
func NewPublisher(client SQSSender, queueURL string, logger *slog.Logger) types.EventPublisher {
	if queueURL == "" || client == nil {
		return NewLogPublisher(logger)
	}
	return NewSQSPublisher(client, queueURL, logger)
}
