package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/db"
)

// ErrIncomplete is returned for records missing a recipient, subject or body
var ErrIncomplete = errors.New("notification is missing required fields")

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	Endpoint  string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	client := ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SESSender{
		client: client,
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func validate(notif *db.Notification) error {
	switch {
	case notif.Recipient == "":
		return fmt.Errorf("%w: recipient", ErrIncomplete)
	case notif.Subject == "":
		return fmt.Errorf("%w: subject", ErrIncomplete)
	case notif.Body == "":
		return fmt.Errorf("%w: body", ErrIncomplete)
	}
	return nil
}

// Send emails the notification as plain text through SES
func (s *SESSender) Send(ctx context.Context, notif *db.Notification) error {
	if err := validate(notif); err != nil {
		return err
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{notif.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(notif.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(notif.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("id", notif.ID.String()),
		zap.String("to", notif.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
