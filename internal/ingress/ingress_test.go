package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go.relaykit.dev/internal/inbox"
	"go.relaykit.dev/internal/store/storetest"
)

func newTestServer(opts Options) (*Server, *storetest.MemoryStore) {
	mem := storetest.New()
	return NewServer(inbox.NewAdmitter(mem.Inbox()), opts), mem
}

func postEvent(t *testing.T, s *Server, headers map[string]string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestAdmissionAccepted(t *testing.T) {
	s, mem := newTestServer(Options{})

	rec := postEvent(t, s, map[string]string{
		"X-Message-Id":     "m1",
		"X-Source-Service": "svc-up",
		"X-Event-Type":     "order.created",
		"X-Tenant":         "acme",
	}, `{"k":1}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}

	msg, err := mem.Inbox().GetByMessageID(context.Background(), "m1")
	if err != nil {
		t.Fatalf("row not admitted: %v", err)
	}
	if msg.SourceService != "svc-up" || msg.EventType != "order.created" {
		t.Errorf("identifiers not captured: %+v", msg)
	}
	if msg.Headers["X-Tenant"] != "acme" {
		t.Errorf("prefixed extra header not captured: %v", msg.Headers)
	}
	if _, reserved := msg.Headers["X-Message-Id"]; reserved {
		t.Error("identifier headers must not be captured as extras")
	}
}

func TestDuplicateReturns200(t *testing.T) {
	s, _ := newTestServer(Options{})
	headers := map[string]string{
		"X-Message-Id":     "m1",
		"X-Source-Service": "svc-up",
		"X-Event-Type":     "order.created",
	}

	if rec := postEvent(t, s, headers, `{}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first: expected 202, got %d", rec.Code)
	}

	rec := postEvent(t, s, headers, `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", rec.Code)
	}

	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "already_processed" {
		t.Errorf("expected already_processed, got %v", resp)
	}
}

func TestBodyFieldFallback(t *testing.T) {
	s, mem := newTestServer(Options{})

	rec := postEvent(t, s, nil,
		`{"messageId":"m2","sourceService":"svc-up","eventType":"order.created","k":1}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if _, err := mem.Inbox().GetByMessageID(context.Background(), "m2"); err != nil {
		t.Errorf("row not admitted via body fallback: %v", err)
	}
}

func TestMissingIdentifiersReturns400(t *testing.T) {
	s, _ := newTestServer(Options{})

	rec := postEvent(t, s, map[string]string{
		"X-Message-Id": "m3",
	}, `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStaticBearerAuth(t *testing.T) {
	s, _ := newTestServer(Options{BearerToken: "secret"})
	headers := map[string]string{
		"X-Message-Id":     "m4",
		"X-Source-Service": "svc-up",
		"X-Event-Type":     "order.created",
	}

	if rec := postEvent(t, s, headers, `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}

	headers["Authorization"] = "Bearer wrong"
	if rec := postEvent(t, s, headers, `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}

	// A prefix of the real token must not pass either
	headers["Authorization"] = "Bearer secre"
	if rec := postEvent(t, s, headers, `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("token prefix: expected 401, got %d", rec.Code)
	}

	headers["Authorization"] = "Bearer secret"
	if rec := postEvent(t, s, headers, `{}`); rec.Code != http.StatusAccepted {
		t.Fatalf("valid token: expected 202, got %d", rec.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	s, _ := newTestServer(Options{JWTSecret: "jwt-secret"})
	headers := map[string]string{
		"X-Message-Id":     "m5",
		"X-Source-Service": "svc-up",
		"X-Event-Type":     "order.created",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "svc-up",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("jwt-secret"))
	if err != nil {
		t.Fatal(err)
	}

	headers["Authorization"] = "Bearer " + signed
	if rec := postEvent(t, s, headers, `{}`); rec.Code != http.StatusAccepted {
		t.Fatalf("valid JWT: expected 202, got %d", rec.Code)
	}

	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).
		SignedString([]byte("other-secret"))
	headers["Authorization"] = "Bearer " + wrongKey
	if rec := postEvent(t, s, headers, `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: expected 401, got %d", rec.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	s, _ := newTestServer(Options{RatePerSecond: 1, RateBurst: 1})
	headers := map[string]string{
		"X-Message-Id":     "m6",
		"X-Source-Service": "svc-up",
		"X-Event-Type":     "order.created",
	}

	if rec := postEvent(t, s, headers, `{}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first request: expected 202, got %d", rec.Code)
	}

	headers["X-Message-Id"] = "m7"
	if rec := postEvent(t, s, headers, `{}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("burst exceeded: expected 429, got %d", rec.Code)
	}
}

func TestConfigurableHeaderNames(t *testing.T) {
	opts := Options{Headers: HeaderNames{
		MessageID:     "X-Msg-Ref",
		SourceService: "X-Origin",
		EventType:     "X-Kind",
		CustomPrefix:  "X-",
	}}
	s, mem := newTestServer(opts)

	rec := postEvent(t, s, map[string]string{
		"X-Msg-Ref": "m8",
		"X-Origin":  "svc-up",
		"X-Kind":    "order.created",
	}, `{}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if _, err := mem.Inbox().GetByMessageID(context.Background(), "m8"); err != nil {
		t.Errorf("row not admitted with custom headers: %v", err)
	}
}
