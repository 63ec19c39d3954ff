package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/logging"
	"github.com/vthunder/mend/internal/metrics"
)

// GuardConfig holds pacing and failure-detection settings
type GuardConfig struct {
	RatePerSecond float64       // 0 disables pacing
	Burst         int           // limiter burst (default 1)
	CallTimeout   time.Duration // per-call deadline (default 30s)
	MaxFailures   uint32        // consecutive hard failures before the breaker opens (default 5)
	OpenTimeout   time.Duration // how long the breaker stays open (default 60s)
}

// Guard wraps an Oracle with a rate limiter, a per-call timeout and a
// circuit breaker. Rate-limit and busy responses do not count as breaker
// failures; an open breaker surfaces as faults.ErrUnavailable so the run
// aborts instead of retrying against a dead backend.
type Guard struct {
	inner       Oracle
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	callTimeout time.Duration
	metrics     *metrics.Metrics
}

// NewGuard wraps inner. m may be nil.
func NewGuard(inner Oracle, cfg GuardConfig, m *metrics.Metrics) *Guard {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Guard{
		inner:       inner,
		limiter:     rate.NewLimiter(limit, cfg.Burst),
		callTimeout: cfg.CallTimeout,
		metrics:     m,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "oracle",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Info("oracle", "breaker %s: %v -> %v", name, from, to)
			},
			IsSuccessful: func(err error) bool {
				// Backpressure and caller cancellation say nothing about backend health
				return err == nil ||
					errors.Is(err, faults.ErrRateLimited) ||
					errors.Is(err, faults.ErrBusy) ||
					errors.Is(err, context.Canceled) ||
					errors.Is(err, faults.ErrMalformed)
			},
		}),
	}
}

// Similarity implements Oracle
func (g *Guard) Similarity(ctx context.Context, a, b string) (float64, error) {
	v, err := g.call(ctx, "similarity", func(ctx context.Context) (any, error) {
		return g.inner.Similarity(ctx, a, b)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// Propose implements Oracle
func (g *Guard) Propose(ctx context.Context, summary string) (string, error) {
	v, err := g.call(ctx, "propose", func(ctx context.Context) (any, error) {
		return g.inner.Propose(ctx, summary)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Guard) call(ctx context.Context, method string, fn func(context.Context) (any, error)) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		g.metrics.Oracle(method, "timeout")
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("oracle %s: %w: %w", method, faults.ErrTimeout, err)
	}

	v, err := g.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		return fn(callCtx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		g.metrics.Oracle(method, "open")
		return nil, fmt.Errorf("oracle %s: %w: %w", method, faults.ErrUnavailable, err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		g.metrics.Oracle(method, "busy")
		return nil, fmt.Errorf("oracle %s: %w: %w", method, faults.ErrBusy, err)
	case err != nil:
		g.metrics.Oracle(method, outcome(err))
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, faults.ErrTimeout) {
			return nil, fmt.Errorf("oracle %s: %w: %w", method, faults.ErrTimeout, err)
		}
		return nil, err
	}
	g.metrics.Oracle(method, "ok")
	return v, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, faults.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, faults.ErrBusy):
		return "busy"
	case faults.Transient(err):
		return "timeout"
	}
	return "error"
}
