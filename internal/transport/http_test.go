package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.relaykit.dev/internal/store"
)

type capturedRequest struct {
	path    string
	headers http.Header
	body    map[string]any
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, *capturedRequest, *sync.Mutex) {
	t.Helper()

	captured := &capturedRequest{}
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		captured.path = r.URL.Path
		captured.headers = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&captured.body)
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	return server, captured, &mu
}

func testMessage() *store.OutboxMessage {
	return &store.OutboxMessage{
		ID:                 1,
		MessageID:          "0190b7e2-0000-7000-8000-000000000001",
		EventType:          "order.created",
		DestinationService: "svc-a",
		Payload:            json.RawMessage(`{"k":1}`),
		Headers: map[string]string{
			"X-Tenant":     "acme",
			"X-Message-Id": "spoofed", // must not override the reserved header
		},
		Status: store.StatusProcessing,
	}
}

func TestHTTPPublishSuccess(t *testing.T) {
	server, captured, mu := newCaptureServer(t, http.StatusOK)

	opts := DefaultHTTPOptions()
	opts.Services = map[string]string{"svc-a": server.URL}
	tr := NewHTTPTransport("relaykit-test", opts)

	msg := testMessage()
	if err := tr.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if captured.path != "/events" {
		t.Errorf("expected default topic path /events, got %s", captured.path)
	}
	if got := captured.headers.Get(HeaderMessageID); got != msg.MessageID {
		t.Errorf("reserved X-Message-Id overridden: got %s", got)
	}
	if got := captured.headers.Get(HeaderSourceService); got != "relaykit-test" {
		t.Errorf("expected source service header, got %s", got)
	}
	if got := captured.headers.Get(HeaderEventType); got != "order.created" {
		t.Errorf("expected event type header, got %s", got)
	}
	if got := captured.headers.Get("X-Tenant"); got != "acme" {
		t.Errorf("row header should be merged, got %s", got)
	}
	if captured.body["k"] != float64(1) {
		t.Errorf("payload not delivered: %v", captured.body)
	}
}

func TestHTTPPublishTopicOverride(t *testing.T) {
	server, captured, mu := newCaptureServer(t, http.StatusOK)

	opts := DefaultHTTPOptions()
	opts.Services = map[string]string{"svc-a": server.URL}
	tr := NewHTTPTransport("relaykit-test", opts)

	msg := testMessage()
	msg.DestinationTopic = "orders"
	if err := tr.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if captured.path != "/orders" {
		t.Errorf("expected /orders, got %s", captured.path)
	}
}

func TestHTTPPublishNon2xxFails(t *testing.T) {
	server, _, _ := newCaptureServer(t, http.StatusInternalServerError)

	opts := DefaultHTTPOptions()
	opts.Services = map[string]string{"svc-a": server.URL}
	tr := NewHTTPTransport("relaykit-test", opts)

	err := tr.Publish(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected failure on 500")
	}
}

func TestHTTPPublishUnknownDestination(t *testing.T) {
	opts := DefaultHTTPOptions()
	opts.Services = map[string]string{}
	tr := NewHTTPTransport("relaykit-test", opts)

	err := tr.Publish(context.Background(), testMessage())

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), "kafka", Options{})
	if err == nil {
		t.Fatal("unknown driver must be a startup error")
	}
}
