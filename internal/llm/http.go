package llm

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedClient wraps an *http.Client with a per-provider call-rate
// limiter, grounded on the teacher's own golang.org/x/time/rate import
// (there: quote-fetch rate limiting; here: provider-call rate limiting,
// same idiom, new call site).
type rateLimitedClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

func newRateLimitedClient(perMinute int) *rateLimitedClient {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &rateLimitedClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

func (c *rateLimitedClient) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.http.Do(req.WithContext(ctx))
}
