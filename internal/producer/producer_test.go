package producer

import (
	"context"
	"errors"
	"testing"

	"go.relaykit.dev/internal/store"
	"go.relaykit.dev/internal/store/storetest"
)

func TestAppendGeneratesMessageID(t *testing.T) {
	mem := storetest.New()
	p := New(mem)

	msg, err := p.Append(context.Background(), nil, Event{
		DestinationService: "svc-a",
		EventType:          "order.created",
		AggregateType:      "order",
		AggregateID:        "42",
		Payload:            map[string]int{"k": 1},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if msg.MessageID == "" {
		t.Error("message id should be generated")
	}
	if msg.Status != store.StatusPending {
		t.Errorf("expected PENDING, got %s", msg.Status)
	}
	if string(msg.Payload) != `{"k":1}` {
		t.Errorf("unexpected payload %s", msg.Payload)
	}
}

func TestAppendRequiresDestinationAndEventType(t *testing.T) {
	p := New(storetest.New())

	if _, err := p.Append(context.Background(), nil, Event{EventType: "e"}); err == nil {
		t.Error("expected error for missing destination")
	}
	if _, err := p.Append(context.Background(), nil, Event{DestinationService: "svc-a"}); err == nil {
		t.Error("expected error for missing event type")
	}
}

func TestExecuteAndAppendCommitsBoth(t *testing.T) {
	mem := storetest.New()
	p := New(mem)

	result, err := ExecuteAndAppend(context.Background(), p, func(tx store.Tx) (string, error) {
		return "order-42", nil
	}, Event{
		DestinationService: "svc-a",
		EventType:          "order.created",
		Payload:            map[string]int{"k": 1},
	})
	if err != nil {
		t.Fatalf("execute and append: %v", err)
	}

	if result != "order-42" {
		t.Errorf("expected biz result passthrough, got %q", result)
	}
	if mem.OutboxCount() != 1 {
		t.Errorf("expected 1 outbox row, got %d", mem.OutboxCount())
	}
}

func TestExecuteAndAppendRollsBackOnBizError(t *testing.T) {
	mem := storetest.New()
	p := New(mem)

	bizErr := errors.New("insufficient funds")
	_, err := ExecuteAndAppend(context.Background(), p, func(tx store.Tx) (string, error) {
		return "", bizErr
	}, Event{
		DestinationService: "svc-a",
		EventType:          "order.created",
	})

	if !errors.Is(err, bizErr) {
		t.Fatalf("expected the original biz error, got %v", err)
	}
	if mem.OutboxCount() != 0 {
		t.Errorf("expected no outbox rows after rollback, got %d", mem.OutboxCount())
	}
}

func TestExecuteAndAppendManyAllOrNothing(t *testing.T) {
	mem := storetest.New()
	p := New(mem)

	events := []Event{
		{DestinationService: "svc-a", EventType: "order.created"},
		{DestinationService: "svc-b", EventType: "order.shipped"},
		{EventType: "bad"}, // missing destination fails the whole unit
	}

	_, err := ExecuteAndAppendMany(context.Background(), p, func(tx store.Tx) (int, error) {
		return 1, nil
	}, events)

	if err == nil {
		t.Fatal("expected append failure")
	}
	if mem.OutboxCount() != 0 {
		t.Errorf("expected no outbox rows after rollback, got %d", mem.OutboxCount())
	}
}

func TestPayloadPassthrough(t *testing.T) {
	mem := storetest.New()
	p := New(mem)

	msg, err := p.Append(context.Background(), nil, Event{
		DestinationService: "svc-a",
		EventType:          "raw",
		Payload:            []byte(`{"raw":true}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if string(msg.Payload) != `{"raw":true}` {
		t.Errorf("raw payload should pass through unchanged, got %s", msg.Payload)
	}
}
