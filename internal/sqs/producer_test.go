package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/db"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-42")}, nil
}

func testNotification() *db.Notification {
	return &db.Notification{
		ID:        uuid.New(),
		Type:      db.NotificationMilestone,
		Recipient: "ann@example.com",
		Subject:   `You moved up 2 spots on "Beta"!`,
		Body:      "Hey Ann!",
		Attempt:   1,
	}
}

func TestNewMessage(t *testing.T) {
	notif := testNotification()
	at := time.Unix(1700000000, 0)

	msg := NewMessage(notif, at)

	if msg.NotificationID != notif.ID.String() {
		t.Errorf("notification id mismatch: got %s, want %s", msg.NotificationID, notif.ID)
	}
	if msg.Recipient != notif.Recipient || msg.Subject != notif.Subject || msg.Body != notif.Body {
		t.Errorf("message content mismatch: %+v", msg)
	}
	if msg.Attempt != 1 {
		t.Errorf("attempt mismatch: got %d, want 1", msg.Attempt)
	}
	if msg.EnqueuedAt != at.UnixNano() {
		t.Errorf("enqueued_at mismatch: got %d", msg.EnqueuedAt)
	}
}

func TestEnqueue(t *testing.T) {
	fake := &fakeSQS{}
	p := newProducer(fake, "https://sqs.local/queue", zap.NewNop())
	notif := testNotification()

	id, err := p.Enqueue(context.Background(), notif)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id != "m-42" {
		t.Errorf("expected message id m-42, got %s", id)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 send, got %d", len(fake.inputs))
	}

	in := fake.inputs[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.local/queue" {
		t.Errorf("unexpected queue url %s", aws.ToString(in.QueueUrl))
	}
	if got := aws.ToString(in.MessageAttributes["type"].StringValue); got != db.NotificationMilestone {
		t.Errorf("type attribute: got %s", got)
	}

	var decoded Message
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &decoded); err != nil {
		t.Fatalf("body is not a message: %v", err)
	}
	if decoded.Type != db.NotificationMilestone {
		t.Errorf("decoded type: got %s", decoded.Type)
	}
}

func TestEnqueue_Error(t *testing.T) {
	fake := &fakeSQS{err: errors.New("queue does not exist")}
	p := newProducer(fake, "https://sqs.local/queue", zap.NewNop())

	_, err := p.Enqueue(context.Background(), testNotification())
	if !errors.Is(err, fake.err) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
}
