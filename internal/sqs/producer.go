package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the AWS endpoint (LocalStack).
	Endpoint string
}

// Message is the payload handed to the downstream mailer.
type Message struct {
	NotificationID string `json:"notification_id"`
	Type           string `json:"type"`
	Recipient      string `json:"recipient"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Attempt        int    `json:"attempt"`
	EnqueuedAt     int64  `json:"enqueued_at"`
}

type sendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer hands rendered notifications to an SQS queue.
type Producer struct {
	client   sendAPI
	queueURL string
	now      func() time.Time
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newProducer(client, cfg.QueueURL, logger), nil
}

func newProducer(client sendAPI, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		now:      time.Now,
		logger:   logger,
	}
}

// NewMessage converts a notification record into its queue payload.
func NewMessage(notif *db.Notification, enqueuedAt time.Time) Message {
	return Message{
		NotificationID: notif.ID.String(),
		Type:           notif.Type,
		Recipient:      notif.Recipient,
		Subject:        notif.Subject,
		Body:           notif.Body,
		Attempt:        notif.Attempt,
		EnqueuedAt:     enqueuedAt.UnixNano(),
	}
}

// Enqueue sends a notification to SQS and returns the message ID.
func (p *Producer) Enqueue(ctx context.Context, notif *db.Notification) (string, error) {
	body, err := json.Marshal(NewMessage(notif, p.now()))
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notif.Type),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
