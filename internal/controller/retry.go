package controller

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probeops/warden/internal/config"
)

// RetryPolicy defines backoff behavior for controller requests.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryPolicy returns sensible retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504}, // rate limit + server errors
	}
}

// PolicyFromConfig maps the config retry block onto a policy.
func PolicyFromConfig(rc config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialDelayMS > 0 {
		p.InitialDelay = time.Duration(rc.InitialDelayMS) * time.Millisecond
	}
	if rc.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(rc.MaxDelayMS) * time.Millisecond
	}
	if rc.BackoffFactor > 1 {
		p.BackoffFactor = rc.BackoffFactor
	}
	return p
}

// retryableClient wraps an HTTP client with bounded retries. Requests must
// carry a rewindable body (GetBody set), which http.NewRequest provides for
// byte readers.
type retryableClient struct {
	client *http.Client
	policy RetryPolicy
}

// Do executes the request, retrying transport failures and retryable
// status codes until the attempt budget runs out or the request context
// is canceled.
func (c *retryableClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		reqClone := req.Clone(req.Context())
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			reqClone.Body = body
		}

		resp, err := c.client.Do(reqClone)
		if err != nil {
			lastErr = err
			if attempt < c.policy.MaxAttempts-1 {
				delay := c.delay(attempt)
				log.Warn().
					Err(err).
					Int("attempt", attempt+1).
					Int("max_attempts", c.policy.MaxAttempts).
					Dur("delay", delay).
					Str("url", req.URL.String()).
					Msg("controller request failed, retrying")
				if !sleepCtx(req.Context(), delay) {
					return nil, req.Context().Err()
				}
				continue
			}
			return nil, lastErr
		}

		if c.shouldRetry(resp.StatusCode) && attempt < c.policy.MaxAttempts-1 {
			resp.Body.Close()
			delay := c.delay(attempt)
			log.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Int("max_attempts", c.policy.MaxAttempts).
				Dur("delay", delay).
				Str("url", req.URL.String()).
				Msg("controller returned retryable error, retrying")
			if !sleepCtx(req.Context(), delay) {
				return nil, req.Context().Err()
			}
			continue
		}

		return resp, nil
	}
	return nil, lastErr
}

func (c *retryableClient) shouldRetry(statusCode int) bool {
	for _, code := range c.policy.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// delay calculates exponential backoff with ±25% jitter, capped at MaxDelay.
func (c *retryableClient) delay(attempt int) time.Duration {
	d := float64(c.policy.InitialDelay) * math.Pow(c.policy.BackoffFactor, float64(attempt))
	jitter := d * 0.25 * (2*rand.Float64() - 1)
	d += jitter
	if d > float64(c.policy.MaxDelay) {
		d = float64(c.policy.MaxDelay)
	}
	return time.Duration(d)
}

// Backoff is the poll-loop backoff helper: same curve as the retry client,
// reset on success.
type Backoff struct {
	policy  RetryPolicy
	attempt int
}

func NewBackoff(policy RetryPolicy) *Backoff {
	return &Backoff{policy: policy}
}

// Next returns the delay before the next poll attempt and advances the
// curve. The delay stops growing at MaxDelay.
func (b *Backoff) Next() time.Duration {
	d := float64(b.policy.InitialDelay) * math.Pow(b.policy.BackoffFactor, float64(b.attempt))
	jitter := d * 0.25 * (2*rand.Float64() - 1)
	d += jitter
	if d > float64(b.policy.MaxDelay) {
		d = float64(b.policy.MaxDelay)
	} else {
		b.attempt++
	}
	return time.Duration(d)
}

func (b *Backoff) Reset() { b.attempt = 0 }

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
