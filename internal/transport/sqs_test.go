package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"go.relaykit.dev/internal/store"
)

type mockSQSClient struct {
	mu        sync.Mutex
	sent      []*sqs.SendMessageInput
	sendErr   error
	attrsErr  error
	attrCalls int
}

func (m *mockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, params)
	return &sqs.SendMessageOutput{}, nil
}

func (m *mockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrCalls++
	if m.attrsErr != nil {
		return nil, m.attrsErr
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func TestSQSPublishAttributes(t *testing.T) {
	mock := &mockSQSClient{}
	tr := &SQSTransport{
		client:        mock,
		queueURL:      "https://sqs.example/queue",
		sourceService: "relaykit-test",
	}

	msg := &store.OutboxMessage{
		MessageID:          "m1",
		EventType:          "order.created",
		DestinationService: "svc-a",
		Payload:            json.RawMessage(`{"k":1}`),
	}
	if err := tr.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(mock.sent))
	}

	sent := mock.sent[0]
	if *sent.MessageBody != `{"k":1}` {
		t.Errorf("unexpected body %s", *sent.MessageBody)
	}
	if *sent.MessageAttributes["MessageId"].StringValue != "m1" {
		t.Error("MessageId attribute missing")
	}
	if *sent.MessageAttributes["EventType"].StringValue != "order.created" {
		t.Error("EventType attribute missing")
	}
	if *sent.MessageAttributes["SourceService"].StringValue != "relaykit-test" {
		t.Error("SourceService attribute missing")
	}
}

func TestSQSPublishError(t *testing.T) {
	mock := &mockSQSClient{sendErr: errors.New("throttled")}
	tr := &SQSTransport{client: mock, queueURL: "https://sqs.example/queue"}

	err := tr.Publish(context.Background(), &store.OutboxMessage{
		MessageID: "m1",
		Payload:   json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("expected publish error")
	}
}

func TestSQSHealthy(t *testing.T) {
	mock := &mockSQSClient{}
	tr := &SQSTransport{client: mock, queueURL: "https://sqs.example/queue"}

	if !tr.Healthy(context.Background()) {
		t.Error("expected healthy")
	}

	mock.mu.Lock()
	mock.attrsErr = errors.New("access denied")
	mock.mu.Unlock()

	if tr.Healthy(context.Background()) {
		t.Error("expected unhealthy on attribute error")
	}
}
