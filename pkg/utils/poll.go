package utils

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned when a poll loop exhausts its window without the
// predicate reporting done.
var ErrPollTimeout = errors.New("poll timed out")

// PollConfig bounds a poll loop. Either Timeout or MaxAttempts (or both) must
// be set; whichever is reached first ends the loop.
type PollConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// PollFunc is evaluated once per tick. Returning done=true ends the loop
// successfully; a non-nil error ends it immediately with that error.
type PollFunc func(ctx context.Context, attempt int) (done bool, err error)

// PollUntil evaluates fn at a fixed interval until it reports done, returns an
// error, the window closes or ctx is cancelled. The first evaluation happens
// immediately.
func PollUntil(ctx context.Context, cfg PollConfig, fn PollFunc) error {
	if cfg.Timeout <= 0 && cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var deadline time.Time
	if cfg.Timeout > 0 {
		deadline = time.Now().Add(cfg.Timeout)
	}

	for attempt := 0; ; attempt++ {
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if cfg.MaxAttempts > 0 && attempt+1 >= cfg.MaxAttempts {
			return ErrPollTimeout
		}
		wait := cfg.Interval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrPollTimeout
			}
			if wait > remaining {
				wait = remaining
			}
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
