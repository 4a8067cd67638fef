package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"BotProxy/internal/apperr"
)

// Policy bounds outbound calls: attempts, exponential backoff and a per-attempt timeout.
type Policy struct {
	Attempts        int
	InitialInterval time.Duration
	Multiplier      float64
	Timeout         time.Duration

	logger *slog.Logger
}

// Gateway is the policy for the LLM gateway.
func Gateway() Policy {
	return Policy{Attempts: 3, InitialInterval: time.Second, Multiplier: 2, Timeout: 60 * time.Second}
}

// Search is the policy for the external search API.
func Search() Policy {
	return Policy{Attempts: 3, InitialInterval: time.Second, Multiplier: 2, Timeout: 30 * time.Second}
}

// WithLogger returns a copy of p that logs every retry.
func (p Policy) WithLogger(logger *slog.Logger) Policy {
	p.logger = logger
	return p
}

// Once returns a copy of p limited to a single attempt.
func (p Policy) Once() Policy {
	p.Attempts = 1
	return p
}

// Do runs fn until it succeeds, returns a permanent error or the attempt budget is spent.
//
// Errors of type *apperr.Error are permanent and returned unchanged. Any other error is
// treated as a transport failure; once retries are exhausted it is reported as
// apperr.Unavailable naming upstream.
func (p Policy) Do(ctx context.Context, upstream string, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := p.attemptContext(ctx)
		defer cancel()

		err := fn(actx)
		if err == nil {
			return nil
		}
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if p.logger != nil {
			p.logger.Warn("retrying upstream call",
				"upstream", upstream,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(p.backOff(), ctx), notify)
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Unavailable(upstream, err)
}

func (p Policy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}
