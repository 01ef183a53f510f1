package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	messages []types.Message
	received *sqs.ReceiveMessageInput
	deleted  []string
	sent     []string
	released []*sqs.ChangeMessageVisibilityInput
	err      error
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.released = append(f.released, in)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

const queueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/digest-jobs"

func TestSQSReceive(t *testing.T) {
	api := &fakeSQS{messages: []types.Message{
		{Body: aws.String(`{"objectKey":"a"}`), ReceiptHandle: aws.String("rh-1")},
	}}
	q := NewSQSWithClient(api, SQSConfig{WaitSeconds: 5})

	msgs, err := q.Receive(context.Background(), queueURL)
	require.NoError(t, err)
	assert.Equal(t, []Message{{Body: `{"objectKey":"a"}`, AckToken: "rh-1"}}, msgs)
	assert.Equal(t, queueURL, aws.ToString(api.received.QueueUrl))
	assert.EqualValues(t, 10, api.received.MaxNumberOfMessages)
	assert.EqualValues(t, 5, api.received.WaitTimeSeconds)
}

func TestSQSAcknowledgeAndPublish(t *testing.T) {
	api := &fakeSQS{}
	q := NewSQSWithClient(api, SQSConfig{})

	require.NoError(t, q.Acknowledge(context.Background(), queueURL, "rh-1"))
	require.NoError(t, q.Publish(context.Background(), queueURL, `{"digest":"x"}`))
	assert.Equal(t, []string{"rh-1"}, api.deleted)
	assert.Equal(t, []string{`{"digest":"x"}`}, api.sent)
}

func TestSQSReceiveError(t *testing.T) {
	boom := errors.New("throttled")
	q := NewSQSWithClient(&fakeSQS{err: boom}, SQSConfig{})
	_, err := q.Receive(context.Background(), queueURL)
	assert.ErrorIs(t, err, boom)
}

func TestSQSReleaseResetsVisibility(t *testing.T) {
	api := &fakeSQS{}
	q := NewSQSWithClient(api, SQSConfig{})

	require.NoError(t, q.Release(context.Background(), queueURL, "rh-1"))
	require.Len(t, api.released, 1)
	assert.Equal(t, "rh-1", aws.ToString(api.released[0].ReceiptHandle))
	assert.EqualValues(t, 0, api.released[0].VisibilityTimeout)
}
