package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"imagery-timelapse/internal/logging"
)

// RetryStrategy defines the backoff intervals for rate limit retries
type RetryStrategy struct {
	Intervals []time.Duration
}

// DefaultRetryStrategy returns the default increasing backoff strategy
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			20 * time.Second,
			30 * time.Second,
		},
	}
}

// Interval returns the wait before the given retry attempt (0-based); attempts
// past the end of the schedule reuse the last interval
func (s *RetryStrategy) Interval(attempt int) time.Duration {
	if len(s.Intervals) == 0 {
		return 0
	}
	if attempt < len(s.Intervals) {
		return s.Intervals[attempt]
	}
	return s.Intervals[len(s.Intervals)-1]
}

// RateLimitEvent represents a rate limit occurrence
type RateLimitEvent struct {
	Timestamp    time.Time     `json:"timestamp"`
	Service      string        `json:"service"`
	StatusCode   int           `json:"statusCode"`
	RetryAttempt int           `json:"retryAttempt"` // consecutive occurrences, 0 = first
	Backoff      time.Duration `json:"backoff"`
	NextRetryAt  time.Time     `json:"nextRetryAt"`
	Message      string        `json:"message"`
}

// Handler tracks rate limiting per imagery service. It optionally enforces a
// request-rate ceiling shared by every caller and detects throttling responses.
type Handler struct {
	mu          sync.RWMutex
	rateLimited map[string]*RateLimitEvent
	strategy    *RetryStrategy
	limiter     *rate.Limiter
	onRateLimit func(event RateLimitEvent)
	onRecovered func(service string)
	logger      zerolog.Logger
}

// NewHandler creates a rate limit handler. requestsPerSecond <= 0 disables the
// request-rate ceiling.
func NewHandler(strategy *RetryStrategy, requestsPerSecond float64) *Handler {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}

	h := &Handler{
		rateLimited: make(map[string]*RateLimitEvent),
		strategy:    strategy,
		logger:      logging.Component("ratelimit"),
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return h
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(service string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// Wait blocks until the request-rate ceiling admits one more request
func (h *Handler) Wait(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	return h.limiter.Wait(ctx)
}

// Limited reports whether a request-rate ceiling is configured
func (h *Handler) Limited() bool {
	return h.limiter != nil
}

// IsRateLimited checks if a service is currently throttling requests
func (h *Handler) IsRateLimited(service string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.rateLimited[service]
	return limited
}

// IsRateLimitStatus reports whether an HTTP status signals throttling
func IsRateLimitStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == 509 // Bandwidth Limit Exceeded
}

// CheckResponse analyzes a response status. It returns the backoff to apply
// and true when the service is throttling; a normal status clears any state.
func (h *Handler) CheckResponse(service string, statusCode int) (time.Duration, bool) {
	if !IsRateLimitStatus(statusCode) {
		h.checkRecovery(service)
		return 0, false
	}

	event := h.recordRateLimit(service, statusCode)
	return event.Backoff, true
}

func (h *Handler) recordRateLimit(service string, statusCode int) RateLimitEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	retryAttempt := 0
	if existing, exists := h.rateLimited[service]; exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	now := time.Now()
	backoff := h.strategy.Interval(retryAttempt)
	event := RateLimitEvent{
		Timestamp:    now,
		Service:      service,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		Backoff:      backoff,
		NextRetryAt:  now.Add(backoff),
		Message:      buildMessage(service, statusCode, retryAttempt, backoff),
	}
	h.rateLimited[service] = &event

	h.logger.Warn().
		Str("service", service).
		Int("status", statusCode).
		Int("attempt", retryAttempt).
		Dur("backoff", backoff).
		Msg("Service is rate limiting requests")

	if h.onRateLimit != nil {
		go h.onRateLimit(event)
	}
	return event
}

func (h *Handler) checkRecovery(service string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rateLimited[service]; exists {
		delete(h.rateLimited, service)
		h.logger.Info().Str("service", service).Msg("Rate limit cleared")

		if h.onRecovered != nil {
			go h.onRecovered(service)
		}
	}
}

// GetCurrentState returns a copy of the current rate limit state for a service
func (h *Handler) GetCurrentState(service string) *RateLimitEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.rateLimited[service]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

func buildMessage(service string, statusCode int, retryAttempt int, backoff time.Duration) string {
	if retryAttempt == 0 {
		return fmt.Sprintf("%s rate limit detected (HTTP %d), backing off for %s", service, statusCode, backoff)
	}
	return fmt.Sprintf("%s still rate limited (occurrence %d), backing off for %s", service, retryAttempt+1, backoff)
}
