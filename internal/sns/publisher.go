package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/db"
)

// EventJoined is published once per new (non-duplicate) signup
const EventJoined = "subscriber.joined"

// Config holds SNS configuration
type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the AWS endpoint (LocalStack)
	Endpoint string
}

type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher fans signup events out to an SNS topic
type Publisher struct {
	client   publishAPI
	topicARN string
	now      func() time.Time
	logger   *zap.Logger
}

// JoinedEvent is the message body for EventJoined
type JoinedEvent struct {
	Event        string    `json:"event"`
	WaitlistID   string    `json:"waitlist_id"`
	WaitlistName string    `json:"waitlist_name"`
	SubscriberID string    `json:"subscriber_id"`
	Email        string    `json:"email"`
	Position     int       `json:"position"`
	ReferralCode string    `json:"referral_code"`
	ReferredBy   string    `json:"referred_by,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns publisher initialized", zap.String("topic_arn", cfg.TopicARN))

	return newPublisher(client, cfg.TopicARN, logger), nil
}

func newPublisher(client publishAPI, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		now:      time.Now,
		logger:   logger,
	}
}

// NewJoinedEvent builds the event body for a new signup
func NewJoinedEvent(w *db.Waitlist, s *db.Subscriber, at time.Time) JoinedEvent {
	ev := JoinedEvent{
		Event:        EventJoined,
		WaitlistID:   w.ID.String(),
		WaitlistName: w.Name,
		SubscriberID: s.ID.String(),
		Email:        s.Email,
		Position:     s.Position,
		ReferralCode: s.ReferralCode,
		OccurredAt:   at.UTC(),
	}
	if s.ReferredBy != nil {
		ev.ReferredBy = s.ReferredBy.String()
	}
	return ev
}

// PublishJoined publishes EventJoined for a new subscriber
func (p *Publisher) PublishJoined(ctx context.Context, w *db.Waitlist, s *db.Subscriber) error {
	payload, err := json.Marshal(NewJoinedEvent(w, s, p.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventJoined),
			},
			"waitlist_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(w.ID.String()),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("published join event",
		zap.String("subscriber_id", s.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
