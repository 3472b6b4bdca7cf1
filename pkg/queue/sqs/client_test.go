package sqs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nimburion/redrive/pkg/observability/logger"
	"github.com/nimburion/redrive/pkg/queue"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

type mockSQS struct {
	receiveFn  func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	sendFn     func(context.Context, *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error)
	deleteFn   func(context.Context, *sqs.DeleteMessageBatchInput) (*sqs.DeleteMessageBatchOutput, error)
	purgeFn    func(context.Context, *sqs.PurgeQueueInput) (*sqs.PurgeQueueOutput, error)
	getURLFn   func(context.Context, *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error)
	getAttrsFn func(context.Context, *sqs.GetQueueAttributesInput) (*sqs.GetQueueAttributesOutput, error)
	getURLHits int
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.receiveFn != nil {
		return m.receiveFn(ctx, in)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (m *mockSQS) SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	if m.sendFn != nil {
		return m.sendFn(ctx, in)
	}
	return succeedSend(in), nil
}

func (m *mockSQS) DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, in)
	}
	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range in.Entries {
		out.Successful = append(out.Successful, types.DeleteMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

func (m *mockSQS) PurgeQueue(ctx context.Context, in *sqs.PurgeQueueInput, _ ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error) {
	if m.purgeFn != nil {
		return m.purgeFn(ctx, in)
	}
	return &sqs.PurgeQueueOutput{}, nil
}

func (m *mockSQS) GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	m.getURLHits++
	if m.getURLFn != nil {
		return m.getURLFn(ctx, in)
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.eu-west-1.amazonaws.com/123/" + aws.ToString(in.QueueName))}, nil
}

func (m *mockSQS) GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if m.getAttrsFn != nil {
		return m.getAttrsFn(ctx, in)
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func succeedSend(in *sqs.SendMessageBatchInput) *sqs.SendMessageBatchOutput {
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range in.Entries {
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: e.Id})
	}
	return out
}

const dlqURL = "https://sqs.eu-west-1.amazonaws.com/123/orders-dlq"

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected error for empty region")
	}
	if _, err := NewClient(context.Background(), Config{Region: "eu-west-1"}, nil); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestReceive_MapsRequestAndMessages(t *testing.T) {
	api := &mockSQS{
		receiveFn: func(_ context.Context, in *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			if in.MaxNumberOfMessages != 10 {
				t.Fatalf("expected max 10 messages, got %d", in.MaxNumberOfMessages)
			}
			if in.WaitTimeSeconds != 3 {
				t.Fatalf("expected wait 3s, got %d", in.WaitTimeSeconds)
			}
			if in.VisibilityTimeout != 1 {
				t.Fatalf("expected visibility 1s, got %d", in.VisibilityTimeout)
			}
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
				MessageId:     aws.String("m-1"),
				Body:          aws.String(`{"order":1}`),
				ReceiptHandle: aws.String("rh-1"),
				Attributes:    map[string]string{"MessageGroupId": "g"},
				MessageAttributes: map[string]types.MessageAttributeValue{
					"tenant": {DataType: aws.String("String"), StringValue: aws.String("acme")},
				},
			}}}, nil
		},
	}
	c := newClient(api, Config{}, &mockLogger{})

	msgs, err := c.Receive(context.Background(), dlqURL, queue.ReceiveOptions{
		MaxMessages:       50,
		WaitTime:          3 * time.Second,
		VisibilityTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ID != "m-1" || m.ReceiptHandle != "rh-1" || m.Attributes["tenant"].StringValue != "acme" {
		t.Fatalf("unexpected message: %#v", m)
	}
	if m.SystemAttributes[queue.SystemAttributeGroupID] != "g" {
		t.Fatalf("expected system attributes, got %#v", m.SystemAttributes)
	}
}

func TestReceive_TransportError(t *testing.T) {
	api := &mockSQS{receiveFn: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	c := newClient(api, Config{}, &mockLogger{})
	_, err := c.Receive(context.Background(), dlqURL, queue.ReceiveOptions{})
	if !queue.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestSendBatch_ChunksAndMergesResults(t *testing.T) {
	calls := 0
	api := &mockSQS{sendFn: func(_ context.Context, in *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error) {
		calls++
		if len(in.Entries) > 10 {
			t.Fatalf("chunk too large: %d", len(in.Entries))
		}
		out := succeedSend(in)
		if calls == 2 {
			out.Successful = out.Successful[1:]
			out.Failed = []types.BatchResultErrorEntry{{Id: in.Entries[0].Id, Code: aws.String("InternalError"), SenderFault: false}}
		}
		return out, nil
	}}
	c := newClient(api, Config{}, &mockLogger{})

	entries := make([]queue.SendEntry, 0, 25)
	for i := 0; i < 25; i++ {
		entries = append(entries, queue.SendEntry{CorrelationKey: fmt.Sprintf("id-%d", i), Body: "b"})
	}
	result, err := c.SendBatch(context.Background(), dlqURL, entries)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 chunks, got %d", calls)
	}
	if len(result.Succeeded) != 24 || len(result.Failed) != 1 {
		t.Fatalf("unexpected result sizes: %d ok, %d failed", len(result.Succeeded), len(result.Failed))
	}
	if result.Failed[0].CorrelationKey != "id-10" || result.Failed[0].Code != "InternalError" {
		t.Fatalf("unexpected failure: %#v", result.Failed[0])
	}
}

func TestSendBatch_PropagatesFIFOFields(t *testing.T) {
	api := &mockSQS{sendFn: func(_ context.Context, in *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error) {
		e := in.Entries[0]
		if aws.ToString(e.MessageGroupId) != "group" || aws.ToString(e.MessageDeduplicationId) != "dedup" {
			t.Fatalf("expected fifo fields, got %#v", e)
		}
		return succeedSend(in), nil
	}}
	c := newClient(api, Config{}, &mockLogger{})
	if _, err := c.SendBatch(context.Background(), dlqURL, []queue.SendEntry{{CorrelationKey: "a", Body: "b", GroupID: "group", DeduplicationID: "dedup"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendBatch_TransportErrorHandling(t *testing.T) {
	entries := make([]queue.SendEntry, 0, 15)
	for i := 0; i < 15; i++ {
		entries = append(entries, queue.SendEntry{CorrelationKey: fmt.Sprintf("id-%d", i), Body: "b"})
	}

	first := &mockSQS{sendFn: func(context.Context, *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error) {
		return nil, errors.New("timeout")
	}}
	if _, err := newClient(first, Config{}, &mockLogger{}).SendBatch(context.Background(), dlqURL, entries); !queue.IsTransportError(err) {
		t.Fatalf("expected transport error on first chunk, got %v", err)
	}

	calls := 0
	later := &mockSQS{sendFn: func(_ context.Context, in *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("timeout")
		}
		return succeedSend(in), nil
	}}
	result, err := newClient(later, Config{}, &mockLogger{}).SendBatch(context.Background(), dlqURL, entries)
	if err != nil {
		t.Fatalf("later chunk failure must be folded into entries, got %v", err)
	}
	if len(result.Succeeded) != 10 || len(result.Failed) != 5 {
		t.Fatalf("unexpected result sizes: %d ok, %d failed", len(result.Succeeded), len(result.Failed))
	}
	if result.Failed[0].Code != transportFailureCode {
		t.Fatalf("expected transport failure code, got %q", result.Failed[0].Code)
	}
}

func TestDeleteBatch_ReportsFailures(t *testing.T) {
	api := &mockSQS{deleteFn: func(_ context.Context, in *sqs.DeleteMessageBatchInput) (*sqs.DeleteMessageBatchOutput, error) {
		return &sqs.DeleteMessageBatchOutput{
			Successful: []types.DeleteMessageBatchResultEntry{{Id: in.Entries[0].Id}},
			Failed: []types.BatchResultErrorEntry{{
				Id:          in.Entries[1].Id,
				Code:        aws.String("ReceiptHandleIsInvalid"),
				Message:     aws.String("expired"),
				SenderFault: true,
			}},
		}, nil
	}}
	c := newClient(api, Config{}, &mockLogger{})
	result, err := c.DeleteBatch(context.Background(), dlqURL, []queue.DeleteEntry{
		{CorrelationKey: "a", ReceiptHandle: "rh-a"},
		{CorrelationKey: "b", ReceiptHandle: "rh-b"},
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Failed[0].CorrelationKey != "b" || !result.Failed[0].SenderFault {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestPurge_InProgressIsNotAnError(t *testing.T) {
	api := &mockSQS{purgeFn: func(context.Context, *sqs.PurgeQueueInput) (*sqs.PurgeQueueOutput, error) {
		return nil, &types.PurgeQueueInProgress{Message: aws.String("already purging")}
	}}
	c := newClient(api, Config{}, &mockLogger{})
	if err := c.Purge(context.Background(), dlqURL); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	api.purgeFn = func(context.Context, *sqs.PurgeQueueInput) (*sqs.PurgeQueueOutput, error) {
		return nil, errors.New("access denied")
	}
	if err := c.Purge(context.Background(), dlqURL); !queue.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestResolveURL_CachesNames(t *testing.T) {
	api := &mockSQS{}
	c := newClient(api, Config{}, &mockLogger{})

	for i := 0; i < 2; i++ {
		url, err := c.resolveURL(context.Background(), "orders-dlq")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if url != dlqURL {
			t.Fatalf("unexpected url %s", url)
		}
	}
	if api.getURLHits != 1 {
		t.Fatalf("expected one GetQueueUrl call, got %d", api.getURLHits)
	}
	if _, err := c.resolveURL(context.Background(), ""); !errors.Is(err, queue.ErrUnresolvedQueue) {
		t.Fatalf("expected unresolved queue error, got %v", err)
	}
}

func TestClampSeconds(t *testing.T) {
	if got := clampSeconds(0, 20); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := clampSeconds(1500*time.Millisecond, 20); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := clampSeconds(time.Minute, 20); got != 20 {
		t.Fatalf("expected clamp to 20, got %d", got)
	}
}
