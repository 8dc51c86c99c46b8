package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/store"
)

// SQSClientAPI is the subset of the SQS client the transport uses.
// Narrowed for test doubles.
type SQSClientAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSOptions configures the SQS transport
type SQSOptions struct {
	// QueueURL is the target queue (required)
	QueueURL string

	// Region is the AWS region
	Region string

	// CustomEndpoint overrides the SQS endpoint (LocalStack/testing)
	CustomEndpoint string

	// AccessKeyID / SecretAccessKey for custom credentials (testing)
	AccessKeyID     string
	SecretAccessKey string
}

// SQSTransport publishes outbox messages to one AWS SQS queue. Event
// metadata rides in message attributes; the payload is the body.
type SQSTransport struct {
	client        SQSClientAPI
	queueURL      string
	sourceService string
}

// NewSQSTransport creates the SQS transport.
func NewSQSTransport(ctx context.Context, sourceService string, opts SQSOptions) (*SQSTransport, error) {
	if opts.QueueURL == "" {
		return nil, &ConfigError{Reason: "sqs transport requires a queue URL"}
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.CustomEndpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if opts.CustomEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.CustomEndpoint)
		}
	})

	slog.Info("SQS transport ready", "queueUrl", opts.QueueURL, "region", opts.Region)

	return &SQSTransport{
		client:        client,
		queueURL:      opts.QueueURL,
		sourceService: sourceService,
	}, nil
}

func (t *SQSTransport) Name() string { return "sqs" }

func (t *SQSTransport) Publish(ctx context.Context, msg *store.OutboxMessage) error {
	attributes := map[string]types.MessageAttributeValue{
		"MessageId": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.MessageID),
		},
		"SourceService": {
			DataType:    aws.String("String"),
			StringValue: aws.String(t.sourceService),
		},
		"EventType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.EventType),
		},
		"Destination": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.DestinationService),
		},
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(t.queueURL),
		MessageBody:       aws.String(string(msg.Payload)),
		MessageAttributes: attributes,
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		metrics.TransportPublishes.WithLabelValues("sqs", "error").Inc()
		return fmt.Errorf("send to SQS: %w", err)
	}

	metrics.TransportPublishes.WithLabelValues("sqs", "success").Inc()
	return nil
}

// Healthy verifies queue accessibility with GetQueueAttributes.
func (t *SQSTransport) Healthy(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := t.client.GetQueueAttributes(checkCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(t.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err == nil
}
