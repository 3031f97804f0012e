// Package queue wraps the SQS work queues the pipeline runs on.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message is one delivery of a queued message
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
}

// ReceiveOptions controls one long-poll receive
type ReceiveOptions struct {
	MaxMessages       int32
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// SQSAPI is the subset of the SQS client the queue uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue is one SQS queue
type SQSQueue struct {
	client SQSAPI
	url    string
}

// NewSQSQueue creates a queue bound to queueURL
func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, url: queueURL}
}

// NewSQSClient creates an SQS client from the shared AWS configuration
func NewSQSClient(cfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(cfg)
}

// URL returns the queue URL
func (q *SQSQueue) URL() string {
	return q.url
}

// Send enqueues body
func (q *SQSQueue) Send(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Receive blocks for up to opts.WaitTime waiting for messages. Received
// messages stay invisible to other consumers for opts.VisibilityTimeout.
func (q *SQSQueue) Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: opts.MaxMessages,
		WaitTimeSeconds:     int32(opts.WaitTime / time.Second),
		VisibilityTimeout:   int32(opts.VisibilityTimeout / time.Second),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeName(types.MessageSystemAttributeNameApproximateReceiveCount),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		}
		if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			msg.ReceiveCount, _ = strconv.Atoi(raw)
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// Delete acknowledges a message so it is not redelivered
func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ChangeVisibility makes a received message visible again after timeout
func (q *SQSQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	if timeout < 0 {
		return errors.New("negative visibility timeout")
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("change message visibility: %w", err)
	}
	return nil
}
