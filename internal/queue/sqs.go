package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"Runway/internal/config"
	"Runway/internal/metrics"
	"Runway/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
)

// receiveBackoff is how long the consumer waits after a failed receive
const receiveBackoff = 5 * time.Second

// SQSAPI is the subset of the SQS client the queue uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// HandlerFunc processes one job request. A nil return deletes the message.
type HandlerFunc func(ctx context.Context, req models.JobRequest) error

// Sender publishes job requests to the dispatch queue
type Sender struct {
	client  SQSAPI
	config  config.QueueConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSender creates a sender for the configured queue
func NewSender(client SQSAPI, cfg config.QueueConfig, m *metrics.Metrics, logger *slog.Logger) *Sender {
	return &Sender{
		client:  client,
		config:  cfg,
		metrics: m,
		logger:  logger.With("component", "queue"),
	}
}

func (s *Sender) Send(ctx context.Context, req models.JobRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode job request: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.config.URL),
		MessageBody: aws.String(string(body)),
	}
	if s.config.FIFO {
		// FIFO queues only support a queue-level delay
		input.MessageGroupId = aws.String(req.FullName())
		input.MessageDeduplicationId = aws.String(string(req.EventType) + "-" + strconv.FormatInt(req.ID, 10))
	} else if s.config.DelaySeconds > 0 {
		input.DelaySeconds = s.config.DelaySeconds
	}

	out, err := s.client.SendMessage(ctx, input)
	if err != nil {
		s.metrics.QueueMessages.WithLabelValues("send", "error").Inc()
		return fmt.Errorf("failed to send job %d: %w", req.ID, err)
	}
	s.metrics.QueueMessages.WithLabelValues("send", "success").Inc()

	s.logger.Debug("sent job request",
		"job_id", req.ID,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// Consumer long-polls the dispatch queue and hands each job request to a
// handler with bounded concurrency.
type Consumer struct {
	client  SQSAPI
	config  config.QueueConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewConsumer creates a consumer for the configured queue
func NewConsumer(client SQSAPI, cfg config.QueueConfig, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Consumer{
		client:  client,
		config:  cfg,
		metrics: m,
		logger:  logger.With("component", "queue"),
	}
}

// Run polls until ctx is cancelled
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	c.logger.Info("starting consumer",
		"queue_url", c.config.URL,
		"concurrency", c.config.Concurrency,
	)

	for {
		if err := c.Poll(ctx, handle); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			c.logger.Error("failed to receive messages", "error", err)
			select {
			case <-ctx.Done():
				c.logger.Info("consumer stopped")
				return nil
			case <-time.After(receiveBackoff):
			}
		}
	}
}

// Poll receives one batch and waits until every message in it is handled
func (c *Consumer) Poll(ctx context.Context, handle HandlerFunc) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.URL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     int32(c.config.WaitTime / time.Second),
		VisibilityTimeout:   int32(c.config.VisibilityTimeout / time.Second),
	})
	if err != nil {
		c.metrics.QueueMessages.WithLabelValues("receive", "error").Inc()
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)
	for _, msg := range out.Messages {
		g.Go(func() error {
			c.process(ctx, msg, handle)
			return nil
		})
	}
	return g.Wait()
}

func (c *Consumer) process(ctx context.Context, msg types.Message, handle HandlerFunc) {
	logger := c.logger.With("message_id", aws.ToString(msg.MessageId))
	c.metrics.QueueMessages.WithLabelValues("receive", "success").Inc()

	req, err := decode(msg)
	if err != nil {
		// Left on the queue so the redrive policy moves it to the dead-letter queue
		logger.Error("dropping malformed message", "error", err)
		c.metrics.QueueMessages.WithLabelValues("handle", "malformed").Inc()
		return
	}

	if err := handle(ctx, req); err != nil {
		logger.Error("failed to handle job request",
			"job_id", req.ID,
			"repository", req.FullName(),
			"error", err,
		)
		c.metrics.QueueMessages.WithLabelValues("handle", "error").Inc()
		return
	}
	c.metrics.QueueMessages.WithLabelValues("handle", "success").Inc()

	// A handled message is deleted even during shutdown
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := c.client.DeleteMessage(delCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.URL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		logger.Error("failed to delete message", "job_id", req.ID, "error", err)
		c.metrics.QueueMessages.WithLabelValues("delete", "error").Inc()
		return
	}
	c.metrics.QueueMessages.WithLabelValues("delete", "success").Inc()
}

func decode(msg types.Message) (models.JobRequest, error) {
	var req models.JobRequest
	if msg.Body == nil {
		return req, errors.New("message has no body")
	}
	if err := json.Unmarshal([]byte(*msg.Body), &req); err != nil {
		return req, fmt.Errorf("failed to decode job request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}
