// Package retry runs operations against the source database with exponential backoff and
// decorrelated jitter.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

// Policy bounds retries per call site by attempt count and by total elapsed time.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
	Budget      time.Duration

	// Retryable decides whether an error may be retried. Defaults to cdc.IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	randInt64N func(n int64) int64
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewPolicy builds a policy from configuration, filling zero fields with defaults.
func NewPolicy(cfg cdc.RetryConfig) *Policy {
	def := cdc.DefaultRetryConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	return &Policy{
		Initial:     cfg.Initial,
		Max:         cfg.Max,
		MaxAttempts: cfg.MaxAttempts,
		Budget:      cfg.Budget,
		Retryable:   cdc.IsRetryable,
	}
}

// Next returns the delay following prev using decorrelated jitter:
//
//	delay = min(max, rand(initial, prev*3))
//
// A zero prev yields the initial delay.
func (p *Policy) Next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return p.Initial
	}
	upper := prev * 3
	if upper <= 0 || upper > p.Max { // overflow guard
		upper = p.Max
	}
	if upper <= p.Initial {
		return min(p.Initial, p.Max)
	}
	span := int64(upper - p.Initial)
	delay := p.Initial + time.Duration(p.int64N(span+1))
	return min(delay, p.Max)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts MaxAttempts, or
// would exceed Budget. The last error from fn is returned unchanged; a cancelled context
// returns ctx.Err().
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = cdc.IsRetryable
	}

	start := p.clock()
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) || attempt >= p.MaxAttempts {
			return err
		}

		delay = p.Next(delay)
		if p.clock().Sub(start)+delay > p.Budget {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := p.doSleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

func (p *Policy) int64N(n int64) int64 {
	if p.randInt64N != nil {
		return p.randInt64N(n)
	}
	return rand.Int64N(n)
}

func (p *Policy) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Policy) doSleep(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
