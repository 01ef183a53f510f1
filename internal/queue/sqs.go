package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSAPI is the part of the SQS client the transport uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConfig tunes receives. Zero values take the SQS defaults.
type SQSConfig struct {
	MaxMessages int32
	WaitSeconds int32
	Endpoint    string
}

// SQS is a Transport backed by Amazon SQS. Queue IDs are queue URLs.
type SQS struct {
	client SQSAPI
	cfg    SQSConfig
}

var _ Transport = (*SQS)(nil)

// NewSQS builds a transport from an AWS config.
func NewSQS(awsCfg aws.Config, cfg SQSConfig) *SQS {
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSQSWithClient(client, cfg)
}

// NewSQSWithClient wraps an existing client.
func NewSQSWithClient(client SQSAPI, cfg SQSConfig) *SQS {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	return &SQS{client: client, cfg: cfg}
}

func (q *SQS) Receive(ctx context.Context, queueID string) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueID),
		MaxNumberOfMessages: q.cfg.MaxMessages,
		WaitTimeSeconds:     q.cfg.WaitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queueID, err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{Body: aws.ToString(m.Body), AckToken: aws.ToString(m.ReceiptHandle)})
	}
	return msgs, nil
}

func (q *SQS) Acknowledge(ctx context.Context, queueID, ackToken string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueID),
		ReceiptHandle: aws.String(ackToken),
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", queueID, err)
	}
	return nil
}

func (q *SQS) Publish(ctx context.Context, queueID, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueID),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", queueID, err)
	}
	return nil
}

// Release makes the message visible again immediately.
func (q *SQS) Release(ctx context.Context, queueID, ackToken string) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueID),
		ReceiptHandle:     aws.String(ackToken),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("release on %s: %w", queueID, err)
	}
	return nil
}
