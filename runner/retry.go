package runner

import (
	"math"
	"time"

	stepflow "github.com/goliatone/go-stepflow"
)

// RetryStrategy encapsulates the delay between attempts.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next attempt. The
	// attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the full verdict for one failure.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider lets a strategy veto retries outright, not just delay them.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

// DecideRetry resolves the retry verdict for err. Deciders win; otherwise
// the error's own classification decides and the strategy supplies the
// delay, floored by any explicit retry-after carried on the error.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}

	decision := RetryDecision{ShouldRetry: !stepflow.IsNonRetriable(err)}
	if !decision.ShouldRetry {
		return decision
	}
	decision.Delay = strategy.SleepDuration(attempt, err)
	if after, ok := stepflow.RetryAfterDuration(err); ok && after > decision.Delay {
		decision.Delay = after
	}
	return decision
}

// NoDelayStrategy retries immediately. Useful in tests.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a backoff strategy.
// Usage example:
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}
