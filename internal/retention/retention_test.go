package retention

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.relaykit.dev/internal/store"
	"go.relaykit.dev/internal/store/storetest"
)

func seed(t *testing.T, mem *storetest.MemoryStore) (publishedOld, failedOld, processedOld int64) {
	t.Helper()
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -40)

	appendOutbox := func(messageID string) int64 {
		msg := &store.OutboxMessage{
			MessageID:          messageID,
			EventType:          "e",
			DestinationService: "svc-a",
			Payload:            json.RawMessage(`{}`),
		}
		if err := mem.Outbox().Append(ctx, nil, msg); err != nil {
			t.Fatal(err)
		}
		return msg.ID
	}

	// Old PUBLISHED row
	publishedOld = appendOutbox("pub-old")
	mem.Outbox().Claim(ctx, publishedOld)
	mem.Outbox().MarkPublished(ctx, publishedOld)
	mem.SetOutboxPublishedAt(publishedOld, old)

	// Old FAILED row: must survive every scope
	failedOld = appendOutbox("failed-old")
	mem.Outbox().Claim(ctx, failedOld)
	mem.Outbox().MarkFailed(ctx, failedOld, "boom")

	// Old PROCESSED inbox row
	inMsg := &store.InboxMessage{
		MessageID:     "in-old",
		SourceService: "svc-up",
		EventType:     "e",
		Payload:       json.RawMessage(`{}`),
	}
	if _, err := mem.Inbox().Admit(ctx, inMsg); err != nil {
		t.Fatal(err)
	}
	processedOld = inMsg.ID
	mem.Inbox().ProcessClaimed(ctx, processedOld, store.StatusPending, time.Second,
		func(ctx context.Context, msg *store.InboxMessage) error { return nil })
	mem.SetInboxProcessesAt(processedOld, old)

	return publishedOld, failedOld, processedOld
}

func TestRunScopeBoth(t *testing.T) {
	mem := storetest.New()
	publishedOld, failedOld, processedOld := seed(t, mem)

	c := NewCleaner(mem.Outbox(), mem.Inbox())
	result, err := c.Run(context.Background(), 30, ScopeBoth)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Outbox != 1 || result.Inbox != 1 || result.Total() != 2 {
		t.Errorf("unexpected result %+v", result)
	}

	if _, ok := mem.OutboxRow(publishedOld); ok {
		t.Error("old PUBLISHED row should be deleted")
	}
	if _, ok := mem.OutboxRow(failedOld); !ok {
		t.Error("FAILED row must never be deleted")
	}
	if _, ok := mem.InboxRow(processedOld); ok {
		t.Error("old PROCESSED row should be deleted")
	}
}

func TestRunScopeOutboxOnly(t *testing.T) {
	mem := storetest.New()
	_, _, processedOld := seed(t, mem)

	c := NewCleaner(mem.Outbox(), mem.Inbox())
	result, err := c.Run(context.Background(), 30, ScopeOutbox)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Inbox != 0 {
		t.Errorf("inbox must be untouched, got %+v", result)
	}
	if _, ok := mem.InboxRow(processedOld); !ok {
		t.Error("inbox row should survive an outbox-only run")
	}
}

func TestRunRecentRowsSurvive(t *testing.T) {
	mem := storetest.New()
	ctx := context.Background()

	msg := &store.OutboxMessage{
		MessageID:          "pub-recent",
		EventType:          "e",
		DestinationService: "svc-a",
		Payload:            json.RawMessage(`{}`),
	}
	if err := mem.Outbox().Append(ctx, nil, msg); err != nil {
		t.Fatal(err)
	}
	mem.Outbox().Claim(ctx, msg.ID)
	mem.Outbox().MarkPublished(ctx, msg.ID)

	c := NewCleaner(mem.Outbox(), mem.Inbox())
	result, err := c.Run(ctx, 30, ScopeBoth)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Total() != 0 {
		t.Errorf("recent terminal rows must survive, got %+v", result)
	}
}

func TestRunRejectsInvalidDays(t *testing.T) {
	c := NewCleaner(storetest.New().Outbox(), storetest.New().Inbox())
	if _, err := c.Run(context.Background(), 0, ScopeBoth); err == nil {
		t.Error("days=0 must be rejected")
	}
}

func TestParseScope(t *testing.T) {
	if _, err := ParseScope("everything"); err == nil {
		t.Error("unknown scope must be rejected")
	}
	for _, s := range []string{"outbox", "inbox", "both"} {
		if _, err := ParseScope(s); err != nil {
			t.Errorf("scope %q should parse: %v", s, err)
		}
	}
}
