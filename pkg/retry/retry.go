// Package retry wraps calls to external services with per-attempt deadlines,
// capped exponential backoff and escalation into the error taxonomy.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/apperr"
)

type Policy struct {
	MaxAttempts      int
	QuotaMaxAttempts int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	JitterPercent    uint64
	// CallTimeout bounds a single attempt; zero leaves only the parent deadline.
	CallTimeout time.Duration
	// OnRetry, when set, is called after every retryable failure.
	OnRetry func(stage string, attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		QuotaMaxAttempts: 2,
		BaseDelay:        4 * time.Second,
		MaxDelay:         60 * time.Second,
		JitterPercent:    10,
		CallTimeout:      10 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.QuotaMaxAttempts <= 0 {
		p.QuotaMaxAttempts = d.QuotaMaxAttempts
	}
	if p.QuotaMaxAttempts > p.MaxAttempts {
		p.QuotaMaxAttempts = p.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p Policy) backoff() goretry.Backoff {
	b := goretry.NewExponential(p.BaseDelay)
	b = goretry.WithCappedDuration(p.MaxDelay, b)
	if p.JitterPercent > 0 {
		b = goretry.WithJitterPercent(p.JitterPercent, b)
	}
	return goretry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// Op is one attempt at an external call.
type Op func(ctx context.Context) error

// Do runs op until it succeeds, fails permanently or runs out of attempts.
// The returned error is always an *apperr.Error tagged with stage and the
// number of attempts made.
func Do(ctx context.Context, p Policy, stage string, log *logrus.Entry, op Op) error {
	p = p.withDefaults()
	attempts := 0
	var last error

	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++
		err := attempt(ctx, p.CallTimeout, op)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return err
		}

		kind := apperr.Classify(err)
		if !kind.Retryable() {
			return err
		}
		if kind == apperr.KindQuotaExceeded && attempts >= p.QuotaMaxAttempts {
			return err
		}
		if log != nil {
			log.WithFields(logrus.Fields{"stage": stage, "attempt": attempts}).
				WithError(err).Warn("retrying external call")
		}
		if p.OnRetry != nil {
			p.OnRetry(stage, attempts, err)
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		cause := last
		if cause == nil {
			cause = ctx.Err()
		}
		return &apperr.Error{Kind: apperr.KindInternal, Stage: stage, Attempts: attempts, Err: errors.Join(ctx.Err(), cause)}
	}

	if last == nil {
		last = err
	}
	switch apperr.Classify(last) {
	case apperr.KindQuotaExceeded:
		return &apperr.Error{Kind: apperr.KindQuotaExceeded, Stage: stage, Attempts: attempts, Alert: true, Err: last}
	case apperr.KindUpstreamTransient:
		return &apperr.Error{Kind: apperr.KindUpstreamUnavailable, Stage: stage, Attempts: attempts, Err: last}
	}

	e := apperr.AtStage(stage, last)
	cp := *e
	cp.Attempts = attempts
	return &cp
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, p Policy, stage string, log *logrus.Entry, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, stage, log, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func attempt(ctx context.Context, timeout time.Duration, op Op) error {
	if timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindUpstreamTransient, err)
	}
	return err
}
