package sqs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nimburion/redrive/pkg/observability/logger"
	"github.com/nimburion/redrive/pkg/queue"
)

const (
	defaultOperationTimeout = 30 * time.Second
	// SQS caps long polling at 20 seconds.
	maxWaitTimeSeconds = 20
	// SQS caps the visibility timeout at 12 hours.
	maxVisibilitySeconds = 43200
	transportFailureCode = "TransportError"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config holds SQS client configuration.
type Config struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
}

// Client implements queue.Client for AWS SQS.
type Client struct {
	api    sqsAPI
	logger logger.Logger
	config Config

	mu   sync.RWMutex
	urls map[queue.Ref]string
}

// NewClient loads AWS configuration and creates an SQS-backed queue client.
// Queue references may be URLs or queue names; names are resolved lazily with GetQueueUrl.
func NewClient(ctx context.Context, cfg Config, log logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("aws region is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return newClient(sqs.NewFromConfig(awsCfg, opts...), cfg, log), nil
}

func newClient(api sqsAPI, cfg Config, log logger.Logger) *Client {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	return &Client{
		api:    api,
		logger: log,
		config: cfg,
		urls:   map[queue.Ref]string{},
	}
}

// Receive issues one ReceiveMessage call.
func (c *Client) Receive(ctx context.Context, ref queue.Ref, opts queue.ReceiveOptions) ([]queue.Message, error) {
	queueURL, err := c.resolveURL(ctx, ref)
	if err != nil {
		return nil, err
	}

	maxMessages := opts.MaxMessages
	if maxMessages <= 0 || maxMessages > queue.MaxBatchSize {
		maxMessages = queue.MaxBatchSize
	}

	// The operation timeout must outlast the long poll.
	opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout+opts.WaitTime)
	defer cancel()

	out, err := c.api.ReceiveMessage(opCtx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueURL),
		MaxNumberOfMessages:         maxMessages,
		WaitTimeSeconds:             clampSeconds(opts.WaitTime, maxWaitTimeSeconds),
		VisibilityTimeout:           clampSeconds(opts.VisibilityTimeout, maxVisibilitySeconds),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, queue.NewTransportError("receive", ref, err)
	}

	messages := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, queue.Message{
			ID:               aws.ToString(m.MessageId),
			Body:             aws.ToString(m.Body),
			Attributes:       fromSQSAttributes(m.MessageAttributes),
			SystemAttributes: m.Attributes,
			ReceiptHandle:    aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

// SendBatch sends entries in chunks of queue.MaxBatchSize and merges the per-entry results.
func (c *Client) SendBatch(ctx context.Context, ref queue.Ref, entries []queue.SendEntry) (queue.BatchResult, error) {
	queueURL, err := c.resolveURL(ctx, ref)
	if err != nil {
		return queue.BatchResult{}, err
	}

	var result queue.BatchResult
	for i, bounds := range queue.Chunk(len(entries), queue.MaxBatchSize) {
		batch := entries[bounds[0]:bounds[1]]
		sqsEntries := make([]types.SendMessageBatchRequestEntry, 0, len(batch))
		for _, e := range batch {
			entry := types.SendMessageBatchRequestEntry{
				Id:                aws.String(e.CorrelationKey),
				MessageBody:       aws.String(e.Body),
				MessageAttributes: toSQSAttributes(e.Attributes),
			}
			if e.GroupID != "" {
				entry.MessageGroupId = aws.String(e.GroupID)
			}
			if e.DeduplicationID != "" {
				entry.MessageDeduplicationId = aws.String(e.DeduplicationID)
			}
			sqsEntries = append(sqsEntries, entry)
		}

		opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
		out, err := c.api.SendMessageBatch(opCtx, &sqs.SendMessageBatchInput{QueueUrl: aws.String(queueURL), Entries: sqsEntries})
		cancel()
		if err != nil {
			if i == 0 {
				return queue.BatchResult{}, queue.NewTransportError("send batch", ref, err)
			}
			c.logger.Warn("sqs send batch chunk failed after earlier chunks succeeded", "queue", queueURL, "entries", len(batch), "error", err)
			result.Failed = append(result.Failed, failChunk(sendKeys(batch), err)...)
			continue
		}
		for _, ok := range out.Successful {
			result.Succeeded = append(result.Succeeded, aws.ToString(ok.Id))
		}
		for _, failed := range out.Failed {
			result.Failed = append(result.Failed, fromSQSFailure(failed))
		}
	}
	return result, nil
}

// DeleteBatch deletes entries in chunks of queue.MaxBatchSize and merges the per-entry results.
func (c *Client) DeleteBatch(ctx context.Context, ref queue.Ref, entries []queue.DeleteEntry) (queue.BatchResult, error) {
	queueURL, err := c.resolveURL(ctx, ref)
	if err != nil {
		return queue.BatchResult{}, err
	}

	var result queue.BatchResult
	for i, bounds := range queue.Chunk(len(entries), queue.MaxBatchSize) {
		batch := entries[bounds[0]:bounds[1]]
		sqsEntries := make([]types.DeleteMessageBatchRequestEntry, 0, len(batch))
		keys := make([]string, 0, len(batch))
		for _, e := range batch {
			sqsEntries = append(sqsEntries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(e.CorrelationKey),
				ReceiptHandle: aws.String(e.ReceiptHandle),
			})
			keys = append(keys, e.CorrelationKey)
		}

		opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
		out, err := c.api.DeleteMessageBatch(opCtx, &sqs.DeleteMessageBatchInput{QueueUrl: aws.String(queueURL), Entries: sqsEntries})
		cancel()
		if err != nil {
			if i == 0 {
				return queue.BatchResult{}, queue.NewTransportError("delete batch", ref, err)
			}
			c.logger.Warn("sqs delete batch chunk failed after earlier chunks succeeded", "queue", queueURL, "entries", len(batch), "error", err)
			result.Failed = append(result.Failed, failChunk(keys, err)...)
			continue
		}
		for _, ok := range out.Successful {
			result.Succeeded = append(result.Succeeded, aws.ToString(ok.Id))
		}
		for _, failed := range out.Failed {
			result.Failed = append(result.Failed, fromSQSFailure(failed))
		}
	}
	return result, nil
}

// Purge issues PurgeQueue. SQS applies it asynchronously within about a minute.
func (c *Client) Purge(ctx context.Context, ref queue.Ref) error {
	queueURL, err := c.resolveURL(ctx, ref)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()
	if _, err := c.api.PurgeQueue(opCtx, &sqs.PurgeQueueInput{QueueUrl: aws.String(queueURL)}); err != nil {
		var inProgress *types.PurgeQueueInProgress
		if errors.As(err, &inProgress) {
			c.logger.Info("sqs purge already in progress", "queue", queueURL)
			return nil
		}
		return queue.NewTransportError("purge", ref, err)
	}
	return nil
}

// HealthCheck verifies the queue exists and is readable.
func (c *Client) HealthCheck(ctx context.Context, ref queue.Ref) error {
	queueURL, err := c.resolveURL(ctx, ref)
	if err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = c.api.GetQueueAttributes(hcCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

func (c *Client) resolveURL(ctx context.Context, ref queue.Ref) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	raw := strings.TrimSpace(ref.String())
	if isQueueURL(raw) {
		return raw, nil
	}

	c.mu.RLock()
	cached, ok := c.urls[ref]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()
	out, err := c.api.GetQueueUrl(opCtx, &sqs.GetQueueUrlInput{QueueName: aws.String(raw)})
	if err != nil {
		return "", queue.NewTransportError("resolve queue url", ref, err)
	}
	resolved := aws.ToString(out.QueueUrl)
	if resolved == "" {
		return "", fmt.Errorf("%w: %s", queue.ErrUnresolvedQueue, raw)
	}

	c.mu.Lock()
	c.urls[ref] = resolved
	c.mu.Unlock()
	c.logger.Debug("resolved sqs queue url", "queue", raw, "url", resolved)
	return resolved, nil
}

func isQueueURL(raw string) bool {
	return strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://")
}

func clampSeconds(d time.Duration, max int32) int32 {
	if d <= 0 {
		return 0
	}
	seconds := math.Ceil(d.Seconds())
	if seconds > float64(max) {
		return max
	}
	return int32(seconds)
}

func sendKeys(entries []queue.SendEntry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.CorrelationKey)
	}
	return keys
}

func failChunk(keys []string, err error) []queue.BatchFailure {
	out := make([]queue.BatchFailure, 0, len(keys))
	for _, key := range keys {
		out = append(out, queue.BatchFailure{CorrelationKey: key, Code: transportFailureCode, Reason: err.Error()})
	}
	return out
}

func fromSQSFailure(f types.BatchResultErrorEntry) queue.BatchFailure {
	return queue.BatchFailure{
		CorrelationKey: aws.ToString(f.Id),
		Code:           aws.ToString(f.Code),
		Reason:         aws.ToString(f.Message),
		SenderFault:    f.SenderFault,
	}
}

func toSQSAttributes(attrs map[string]queue.Attribute) map[string]types.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		value := types.MessageAttributeValue{DataType: aws.String(v.DataType)}
		if v.DataType == "" {
			value.DataType = aws.String("String")
		}
		if v.BinaryValue != nil {
			value.BinaryValue = v.BinaryValue
		} else {
			value.StringValue = aws.String(v.StringValue)
		}
		out[k] = value
	}
	return out
}

func fromSQSAttributes(attrs map[string]types.MessageAttributeValue) map[string]queue.Attribute {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]queue.Attribute, len(attrs))
	for k, v := range attrs {
		out[k] = queue.Attribute{
			DataType:    aws.ToString(v.DataType),
			StringValue: aws.ToString(v.StringValue),
			BinaryValue: v.BinaryValue,
		}
	}
	return out
}
