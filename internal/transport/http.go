package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/store"
)

// HTTPOptions configures the HTTP transport
type HTTPOptions struct {
	// Services maps logical destination names to base URLs
	Services map[string]string

	// Timeout for delivery requests (default: 30s)
	Timeout time.Duration

	// CircuitBreaker settings
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32        // Requests allowed in half-open
	CircuitBreakerInterval    time.Duration // Stats window
	CircuitBreakerRatio       float64       // Failure ratio to trip
	CircuitBreakerTimeout     time.Duration // Time in open state before half-open
	CircuitBreakerMinRequests uint32        // Min requests before evaluating ratio
}

// DefaultHTTPOptions returns sensible defaults
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Timeout:                   30 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    3,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     30 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// HTTPTransport is the reference transport: POST <base-url>/<topic> with
// the payload as JSON body and reserved X-* metadata headers. Each
// destination gets its own circuit breaker so one failing consumer does
// not block deliveries to the others.
type HTTPTransport struct {
	client        *http.Client
	sourceService string
	opts          HTTPOptions

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPTransport creates the HTTP transport.
func NewHTTPTransport(sourceService string, opts HTTPOptions) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	return &HTTPTransport{
		client:        &http.Client{Timeout: opts.Timeout},
		sourceService: sourceService,
		opts:          opts,
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (t *HTTPTransport) Name() string { return "http" }

// Publish delivers one message. Unknown destinations are configuration
// errors; the row fails immediately without a retry loop.
func (t *HTTPTransport) Publish(ctx context.Context, msg *store.OutboxMessage) error {
	baseURL, ok := t.opts.Services[msg.DestinationService]
	if !ok {
		metrics.TransportPublishes.WithLabelValues("http", "config_error").Inc()
		return &ConfigError{Reason: fmt.Sprintf("no base URL configured for service %q", msg.DestinationService)}
	}

	url := strings.TrimRight(baseURL, "/") + "/" + msg.Topic()

	deliver := func() (any, error) {
		return nil, t.send(ctx, url, msg)
	}

	var err error
	if t.opts.CircuitBreakerEnabled {
		_, err = t.breaker(msg.DestinationService).Execute(deliver)
	} else {
		_, err = deliver()
	}

	if err != nil {
		metrics.TransportPublishes.WithLabelValues("http", "error").Inc()
		return err
	}
	metrics.TransportPublishes.WithLabelValues("http", "success").Inc()
	return nil
}

func (t *HTTPTransport) send(ctx context.Context, url string, msg *store.OutboxMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMessageID, msg.MessageID)
	req.Header.Set(HeaderSourceService, t.sourceService)
	req.Header.Set(HeaderEventType, msg.EventType)

	// Row headers merge after the reserved ones and never override them
	for name, value := range msg.Headers {
		if req.Header.Get(name) != "" {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", url, err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("destination returned %d", resp.StatusCode)
	}
	return nil
}

// Healthy reports false only when every destination breaker is open.
func (t *HTTPTransport) Healthy(ctx context.Context) bool {
	if !t.opts.CircuitBreakerEnabled {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.breakers) == 0 {
		return true
	}
	for _, cb := range t.breakers {
		if cb.State() != gobreaker.StateOpen {
			return true
		}
	}
	return false
}

func (t *HTTPTransport) breaker(destination string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[destination]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        destination,
		MaxRequests: t.opts.CircuitBreakerRequests,
		Interval:    t.opts.CircuitBreakerInterval,
		Timeout:     t.opts.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < t.opts.CircuitBreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= t.opts.CircuitBreakerRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"destination", name,
				"from", from.String(),
				"to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.TransportCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.TransportCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
	t.breakers[destination] = cb
	return cb
}
