package soar

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"aegis/core"

	"go.uber.org/zap"
)

// ErrorClass groups errors by how they should be retried
type ErrorClass string

const (
	ErrorClassTimeout   ErrorClass = "timeout"
	ErrorClassRateLimit ErrorClass = "rate_limit"
	ErrorClassNetwork   ErrorClass = "network"
	ErrorClassTemporary ErrorClass = "temporary"
	ErrorClassPermanent ErrorClass = "permanent"
)

// HTTPStatusError carries a non-2xx response status
type HTTPStatusError struct {
	Code   int
	Status string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Status)
}

// StatusCode returns the response status
func (e *HTTPStatusError) StatusCode() int { return e.Code }

// RetryPolicy is exponential backoff with jitter. Rate-limited attempts wait
// at least RateLimitDelay.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
	Jitter         float64
	Logger         *zap.SugaredLogger
	OnRetry        func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy retries three times starting at one second
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       2 * time.Minute,
		RateLimitDelay: time.Minute,
		Jitter:         0.1,
	}
}

// ClassifyError decides whether and how an error may be retried
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassPermanent
	case errors.Is(err, context.Canceled),
		errors.Is(err, core.ErrCircuitBreakerOpen),
		errors.Is(err, core.ErrTooManyRequests),
		errors.Is(err, ErrOutboundURLBlocked):
		return ErrorClassPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	}

	var status interface{ StatusCode() int }
	if errors.As(err, &status) {
		code := status.StatusCode()
		switch {
		case code == http.StatusTooManyRequests:
			return ErrorClassRateLimit
		case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
			return ErrorClassTimeout
		case code >= 500:
			return ErrorClassTemporary
		default:
			return ErrorClassPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorClassTimeout
		}
		return ErrorClassNetwork
	}
	return ErrorClassTemporary
}

// Delay returns the wait before retry number attempt (0-based)
func (p RetryPolicy) Delay(attempt int, class ErrorClass) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay <= 0 || (p.MaxDelay > 0 && delay > p.MaxDelay) {
		delay = p.MaxDelay
	}
	if class == ErrorClassRateLimit && delay < p.RateLimitDelay {
		delay = p.RateLimitDelay
	}
	if p.Jitter > 0 && delay > 0 {
		delta := (rand.Float64()*2 - 1) * p.Jitter * float64(delay)
		delay += time.Duration(delta)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Retry calls fn until it succeeds, returns a permanent error, the retry
// budget is spent or ctx ends
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}

		class := ClassifyError(err)
		if class == ErrorClassPermanent {
			return err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", p.MaxRetries, err)
		}

		delay := p.Delay(attempt, class)
		logger.Infow("Retry scheduled",
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"error_class", class,
			"delay", delay,
			"error", err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
