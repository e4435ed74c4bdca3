package main

import (
	"net/url"

	"github.com/rs/zerolog/log"

	"imagery-timelapse/internal/ratelimit"
)

// registerRateLimitCallbacks logs throttling by the imagery service as it happens
func (a *App) registerRateLimitCallbacks() {
	a.rateLimitHandler.SetOnRateLimit(func(event ratelimit.RateLimitEvent) {
		log.Warn().
			Str("service", event.Service).
			Int("status", event.StatusCode).
			Int("attempt", event.RetryAttempt+1).
			Dur("backoff", event.Backoff).
			Msg(event.Message)
	})
	a.rateLimitHandler.SetOnRecovered(func(service string) {
		log.Info().Str("service", service).Msg("Service recovered from rate limiting")
	})
}

// serviceHost is the key the fetcher reports rate limiting under
func (a *App) serviceHost() string {
	u, err := url.Parse(a.settings.WMS.BaseURL)
	if err != nil {
		return a.settings.WMS.BaseURL
	}
	return u.Host
}

// GetRateLimitStatus returns the current rate limit state of the configured service
func (a *App) GetRateLimitStatus() *ratelimit.RateLimitEvent {
	return a.rateLimitHandler.GetCurrentState(a.serviceHost())
}

// reportRateLimit tells the user when a run ended while still throttled
func (a *App) reportRateLimit() {
	if state := a.GetRateLimitStatus(); state != nil {
		log.Warn().
			Str("service", state.Service).
			Time("nextRetryAt", state.NextRetryAt).
			Msg("The imagery service is still rate limiting requests, lower --concurrency or set fetch.rate_limit_per_second")
	}
}
