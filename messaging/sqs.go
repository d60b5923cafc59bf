package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"kioskexchange/exchange"
)

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient loads the default AWS credential chain. endpoint overrides the
// service URL, which is how local emulators are reached.
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = sdkaws.String(endpoint)
		}
	}), nil
}

// SQSPublisher sends messages to one queue.
type SQSPublisher struct {
	SQS      SQSAPI
	QueueURL string
}

var _ Publisher = (*SQSPublisher)(nil)

func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{SQS: client, QueueURL: queueURL}
}

// Publish implements Publisher. Type and order code travel as message
// attributes so consumers can filter without decoding the body.
func (p *SQSPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	attrs := map[string]sqstypes.MessageAttributeValue{
		"type": {DataType: sdkaws.String("String"), StringValue: sdkaws.String(msg.Type)},
	}
	if msg.OrderCode != "" {
		attrs["order_code"] = sqstypes.MessageAttributeValue{DataType: sdkaws.String("String"), StringValue: sdkaws.String(msg.OrderCode)}
	}
	if msg.CorrelationID != "" {
		attrs["correlation_id"] = sqstypes.MessageAttributeValue{DataType: sdkaws.String("String"), StringValue: sdkaws.String(msg.CorrelationID)}
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          sdkaws.String(p.QueueURL),
		MessageBody:       sdkaws.String(body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SQSConsumer long-polls a queue and hands each message to a Handler.
// Messages are deleted once the handler succeeds or fails permanently;
// transient failures become visible again after the queue's visibility
// timeout.
type SQSConsumer struct {
	sqs         SQSAPI
	queueURL    string
	handler     Handler
	waitTime    time.Duration
	maxMessages int32
	logger      *slog.Logger
}

// ConsumerOption configures an SQSConsumer.
type ConsumerOption func(*SQSConsumer)

// WithWaitTime sets the long-poll duration (max 20s).
func WithWaitTime(d time.Duration) ConsumerOption {
	return func(c *SQSConsumer) {
		if d > 0 {
			c.waitTime = d
		}
	}
}

// WithMaxMessages sets the batch size (1..10).
func WithMaxMessages(n int32) ConsumerOption {
	return func(c *SQSConsumer) {
		if n > 0 && n <= 10 {
			c.maxMessages = n
		}
	}
}

// WithConsumerLogger overrides the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *SQSConsumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewSQSConsumer(client SQSAPI, queueURL string, handler Handler, opts ...ConsumerOption) *SQSConsumer {
	c := &SQSConsumer{
		sqs:         client,
		queueURL:    queueURL,
		handler:     handler,
		waitTime:    20 * time.Second,
		maxMessages: 10,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.waitTime > 20*time.Second {
		c.waitTime = 20 * time.Second
	}
	return c
}

// Run polls until ctx is cancelled.
func (c *SQSConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := c.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("sqs receive failed", slog.String("queue", c.queueURL), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		if n > 0 {
			c.logger.Debug("sqs batch processed", slog.Int("messages", n))
		}
	}
}

// PollOnce receives one batch and processes it, returning how many messages
// were received.
func (c *SQSConsumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            sdkaws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     int32(c.waitTime / time.Second),
	})
	if err != nil {
		return 0, fmt.Errorf("receive messages: %w", err)
	}
	for _, raw := range out.Messages {
		c.process(ctx, raw)
	}
	return len(out.Messages), nil
}

func (c *SQSConsumer) process(ctx context.Context, raw sqstypes.Message) {
	body := sdkaws.ToString(raw.Body)
	msg, err := Decode(body)
	if err != nil {
		c.logger.Error("dropping malformed message", slog.String("message_id", sdkaws.ToString(raw.MessageId)), slog.Any("error", err))
		c.delete(ctx, raw)
		return
	}
	if err := c.handler(ctx, msg); err != nil {
		c.logger.Warn("message handler failed",
			slog.String("type", msg.Type),
			slog.String("correlation_id", msg.CorrelationID),
			slog.Bool("permanent", permanent(err)),
			slog.Any("error", err))
		if !permanent(err) {
			return
		}
	}
	c.delete(ctx, raw)
}

// permanent reports errors that no redelivery can fix.
func permanent(err error) bool {
	return errors.Is(err, exchange.ErrValidation) ||
		errors.Is(err, exchange.ErrNotFound) ||
		errors.Is(err, exchange.ErrInvalidTransition)
}

func (c *SQSConsumer) delete(ctx context.Context, raw sqstypes.Message) {
	if _, err := c.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      sdkaws.String(c.queueURL),
		ReceiptHandle: raw.ReceiptHandle,
	}); err != nil {
		c.logger.Warn("delete message failed", slog.String("message_id", sdkaws.ToString(raw.MessageId)), slog.Any("error", err))
	}
}
