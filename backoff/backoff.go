// Package backoff holds the wait policy used by poll-based integrations.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned by Poll when MaxAttempts ran out before the
// poll reported completion.
var ErrExhausted = errors.New("poll attempts exhausted")

type (
	// Policy decides how long to wait between two polls.
	//
	// Waits start at Initial, drop to Near once the reported progress reaches
	// NearProgress, and grow by Multiplier on every consecutive error up to Max.
	Policy struct {
		Initial      time.Duration
		Near         time.Duration
		Max          time.Duration
		Multiplier   float64
		NearProgress int
		MaxAttempts  int

		// Sleep defaults to a context-aware timer.
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// Status is what one poll observed.
	Status struct {
		Done     bool
		Progress int
	}

	// PollFunc performs attempt number n (starting at 1).
	PollFunc func(ctx context.Context, n int) (Status, error)
)

// Default is the download-polling policy: 2s, 1s near the end, errors back
// off to 10s, 30 attempts.
func Default() Policy {
	return Policy{
		Initial:      2 * time.Second,
		Near:         time.Second,
		Max:          10 * time.Second,
		Multiplier:   2,
		NearProgress: 900,
		MaxAttempts:  30,
	}
}

// Next returns the wait after a poll. prev is the previous wait (zero before
// the first), consecutiveErrs counts errors since the last successful poll.
func (p Policy) Next(prev time.Duration, progress int, consecutiveErrs int) time.Duration {
	if consecutiveErrs > 0 {
		base := prev
		if base <= 0 {
			base = p.Initial
		}
		d := time.Duration(float64(base) * p.Multiplier)
		if p.Max > 0 && d > p.Max {
			d = p.Max
		}
		return d
	}
	if p.NearProgress > 0 && progress >= p.NearProgress {
		return p.Near
	}
	return p.Initial
}

// Poll calls fn until it reports Done, ctx ends, or MaxAttempts is reached.
// The last poll error, if any, is wrapped into ErrExhausted.
func (p Policy) Poll(ctx context.Context, fn PollFunc) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var (
		wait    time.Duration
		errs    int
		lastErr error
	)
	for n := 1; n <= p.MaxAttempts; n++ {
		st, err := fn(ctx, n)
		switch {
		case err != nil:
			errs++
			lastErr = err
		case st.Done:
			return nil
		default:
			errs = 0
		}
		if n == p.MaxAttempts {
			break
		}
		wait = p.Next(wait, st.Progress, errs)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, p.MaxAttempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
