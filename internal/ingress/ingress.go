// Package ingress exposes the inbound webhook endpoint feeding the
// inbox admitter. The endpoint is the receiving half of the wire
// contract: identifiers arrive in headers (configurable names) with a
// body-field fallback, extra prefixed headers are captured onto the row.
package ingress

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/inbox"
)

// HeaderNames configures where the identifiers are read from.
type HeaderNames struct {
	MessageID     string
	SourceService string
	EventType     string

	// CustomPrefix selects which extra headers are captured onto the
	// inbox row (default: "X-")
	CustomPrefix string
}

// DefaultHeaderNames returns the wire-contract defaults.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		MessageID:     "X-Message-Id",
		SourceService: "X-Source-Service",
		EventType:     "X-Event-Type",
		CustomPrefix:  "X-",
	}
}

// Options configures the ingress endpoint.
type Options struct {
	Headers HeaderNames

	// BearerToken enables static bearer auth when set
	BearerToken string

	// JWTSecret enables HS256 JWT bearer auth when set (takes
	// precedence over BearerToken)
	JWTSecret string

	// RatePerSecond enables rate limiting when > 0
	RatePerSecond float64

	// RateBurst is the limiter burst (default: 2 x RatePerSecond, min 1)
	RateBurst int

	// MaxBodyBytes bounds the request body (default: 1 MiB)
	MaxBodyBytes int64

	// CORSOrigins allowed on the webhook endpoint (default: "*")
	CORSOrigins []string
}

// Server handles webhook admissions.
type Server struct {
	admitter *inbox.Admitter
	opts     Options
	limiter  *rate.Limiter
}

// NewServer creates the ingress server.
func NewServer(admitter *inbox.Admitter, opts Options) *Server {
	if opts.Headers == (HeaderNames{}) {
		opts.Headers = DefaultHeaderNames()
	}
	if opts.Headers.CustomPrefix == "" {
		opts.Headers.CustomPrefix = "X-"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	s := &Server{admitter: admitter, opts: opts}
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(2 * opts.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return s
}

// Routes mounts the webhook endpoint on a chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"*"},
	}))
	r.Post("/webhooks/events", s.handleEvent)
	return r
}

// envelope is the body-field fallback for the identifiers.
type envelope struct {
	MessageID     string `json:"messageId"`
	SourceService string `json:"sourceService"`
	EventType     string `json:"eventType"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.IngressRequestDuration.Observe(time.Since(start).Seconds())
	}()

	if s.limiter != nil && !s.limiter.Allow() {
		metrics.IngressRequests.WithLabelValues("rate_limited").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	if err := s.authorize(r); err != nil {
		metrics.IngressRequests.WithLabelValues("unauthorized").Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	body, err := readBody(r, s.opts.MaxBodyBytes)
	if err != nil {
		metrics.IngressRequests.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	adm := s.extract(r, body)
	if adm.MessageID == "" || adm.SourceService == "" || adm.EventType == "" {
		metrics.IngressRequests.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing message identifiers (message id, source service, event type)",
		})
		return
	}

	_, admitted, err := s.admitter.Admit(r.Context(), adm)
	if err != nil {
		metrics.IngressRequests.WithLabelValues("error").Inc()
		slog.Error("Admission failed", "messageId", adm.MessageID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	if !admitted {
		metrics.IngressRequests.WithLabelValues("duplicate").Inc()
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "already_processed",
			"messageId": adm.MessageID,
		})
		return
	}

	metrics.IngressRequests.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"messageId": adm.MessageID,
	})
}

// extract reads the identifiers from the configured headers, falling
// back to body fields, and captures prefixed extra headers.
func (s *Server) extract(r *http.Request, body []byte) inbox.Admission {
	var env envelope
	// Body fallback is best-effort; a non-JSON body just yields empty fields
	json.Unmarshal(body, &env)

	adm := inbox.Admission{
		MessageID:     headerOr(r, s.opts.Headers.MessageID, env.MessageID),
		SourceService: headerOr(r, s.opts.Headers.SourceService, env.SourceService),
		EventType:     headerOr(r, s.opts.Headers.EventType, env.EventType),
		Payload:       body,
	}

	reserved := map[string]bool{
		http.CanonicalHeaderKey(s.opts.Headers.MessageID):     true,
		http.CanonicalHeaderKey(s.opts.Headers.SourceService): true,
		http.CanonicalHeaderKey(s.opts.Headers.EventType):     true,
		"Authorization": true,
	}

	for name, values := range r.Header {
		if reserved[name] || len(values) == 0 {
			continue
		}
		if !strings.HasPrefix(name, http.CanonicalHeaderKey(s.opts.Headers.CustomPrefix)) {
			continue
		}
		if adm.Headers == nil {
			adm.Headers = make(map[string]string)
		}
		adm.Headers[name] = values[0]
	}
	return adm
}

func headerOr(r *http.Request, header, fallback string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return fallback
}

func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBytes))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
