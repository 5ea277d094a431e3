package connector

import (
	"context"

	"golang.org/x/time/rate"

	"revaudit/internal/recon"
)

// RateLimitedSource throttles fetches against an upstream quota. Both
// sides of a reconciliation share one limiter so parallel fetches for
// many tenants cannot overrun the export API.
type RateLimitedSource struct {
	backend   BackendSource
	analytics AnalyticsSource
	limiter   *rate.Limiter
}

// NewRateLimitedSource allows perMinute fetches with the given burst.
func NewRateLimitedSource(backend BackendSource, analytics AnalyticsSource, perMinute, burst int) *RateLimitedSource {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedSource{
		backend:   backend,
		analytics: analytics,
		limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

func (s *RateLimitedSource) FetchOrders(ctx context.Context, clientID string, w recon.Window) ([]recon.RawOrder, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Source: recon.SourceBackend, ClientID: clientID, Retryable: true, Err: err}
	}
	return s.backend.FetchOrders(ctx, clientID, w)
}

func (s *RateLimitedSource) FetchEvents(ctx context.Context, clientID string, w recon.Window) ([]recon.RawEvent, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Source: recon.SourceAnalytics, ClientID: clientID, Retryable: true, Err: err}
	}
	return s.analytics.FetchEvents(ctx, clientID, w)
}
