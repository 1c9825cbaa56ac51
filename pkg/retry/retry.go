// Package retry provides a shared exponential-backoff retry helper used by
// the assessor collector and the LLM client (spec §4.4, §4.5, §4.6 all
// specify the same base/factor/cap retry shape; the MLS scrape collector
// runs its own backoff loop instead of this helper).
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes one of spec's "base B, factor F, cap N attempts" retry
// shapes.
type Policy struct {
	Base       time.Duration
	Factor     float64
	MaxRetries int
}

// Permanent wraps an error to signal Do that it must not be retried
// (e.g. auth failures per spec §4.13).
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn, retrying on error according to p until MaxRetries is
// exhausted or the context is cancelled. fn receives the zero-based attempt
// number. An error wrapped with Permanent stops retrying immediately.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	b.MaxElapsedTime = 0 // bounded by MaxRetries, not elapsed wall time
	bctx := backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		err := fn(attempt)
		attempt++
		return err
	}

	notify := func(err error, d time.Duration) {}

	withMax := backoff.WithMaxRetries(bctx, uint64(maxInt(p.MaxRetries, 0)))
	err := backoff.RetryNotify(operation, withMax, notify)
	if err != nil {
		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return permErr.Err
		}
		return err
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
