// Package inbox buffers accepted webhooks on SQS so an outage of the
// database or an upstream service does not lose events.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/ingest"
)

const (
	maxMessages     = 10
	waitSeconds     = 20
	visibilitySecs  = 120
	receiveBackoff  = 5 * time.Second
	sourceAttribute = "source"
)

// SQSAPI is the slice of the SQS client we call.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Envelope is the message body put on the queue.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Source     string          `json:"source"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"received_at"`
}

// NewClient builds an SQS client, pointed at endpoint when one is given (LocalStack).
func NewClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Producer puts webhooks on the queue.
type Producer struct {
	client   SQSAPI
	queueURL string
	now      func() time.Time
}

func NewProducer(client SQSAPI, queueURL string) *Producer {
	return &Producer{client: client, queueURL: queueURL, now: time.Now}
}

// Enqueue stores a raw webhook body for later processing and returns the
// envelope ID.
func (p *Producer) Enqueue(ctx context.Context, source string, body []byte) (uuid.UUID, error) {
	if !json.Valid(body) {
		return uuid.Nil, fmt.Errorf("%w: body is not JSON", ingest.ErrInvalidPayload)
	}

	env := Envelope{
		ID:         uuid.New(),
		Source:     source,
		Body:       json.RawMessage(body),
		ReceivedAt: p.now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			sourceAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(source),
			},
		},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("sqs send failed: %w", err)
	}
	return env.ID, nil
}

// Handler processes one webhook. ingest.Service.Process satisfies it
// after discarding the result.
type Handler func(ctx context.Context, source string, body []byte) error

// Consumer drains the queue into a Handler.
type Consumer struct {
	client   SQSAPI
	queueURL string
	handle   Handler
	logger   *zap.Logger
}

func NewConsumer(client SQSAPI, queueURL string, handle Handler, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		handle:   handle,
		logger:   logger.Named("inbox"),
	}
}

// Serve long-polls until ctx is cancelled.
func (c *Consumer) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(receiveBackoff):
			}
		}
	}
}

// Poll receives one batch and handles it. It returns how many messages
// were removed from the queue.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitSeconds,
		VisibilityTimeout:   visibilitySecs,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	deleted := 0
	for _, msg := range out.Messages {
		if c.process(ctx, msg) {
			deleted++
		}
	}
	return deleted, nil
}

func (c *Consumer) process(ctx context.Context, msg types.Message) bool {
	receipt := aws.ToString(msg.ReceiptHandle)

	var env Envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		// nothing will ever parse it
		c.logger.Error("dropping malformed envelope", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
		return c.delete(ctx, receipt)
	}

	err := c.handle(ctx, env.Source, env.Body)
	switch {
	case err == nil:
		return c.delete(ctx, receipt)
	case errors.Is(err, ingest.ErrInvalidPayload):
		c.logger.Warn("dropping invalid webhook",
			zap.String("envelope_id", env.ID.String()),
			zap.String("source", env.Source),
			zap.Error(err),
		)
		return c.delete(ctx, receipt)
	default:
		c.logger.Warn("webhook processing failed, leaving for redelivery",
			zap.String("envelope_id", env.ID.String()),
			zap.String("source", env.Source),
			zap.Error(err),
		)
		// make it visible again sooner than the full timeout
		if _, verr := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(c.queueURL),
			ReceiptHandle:     aws.String(receipt),
			VisibilityTimeout: 30,
		}); verr != nil {
			c.logger.Debug("change visibility failed", zap.Error(verr))
		}
		return false
	}
}

func (c *Consumer) delete(ctx context.Context, receipt string) bool {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		c.logger.Warn("sqs delete failed", zap.Error(err))
		return false
	}
	return true
}
