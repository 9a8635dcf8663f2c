package gate

import (
	"context"
	"time"
)

// Clock abstracts time for the bounded polling wait so tests run instantly.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// pollUntil calls fn up to attempts times, sleeping interval between tries.
// It returns nil as soon as fn succeeds, the last error once attempts are
// exhausted, or the context error if the context ends first. The cap is hard:
// there is no unbounded wait.
func pollUntil(ctx context.Context, attempts int, interval time.Duration, clock Clock, fn func(context.Context) error) error {
	if clock == nil {
		clock = realClock{}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if i < attempts-1 {
			clock.Sleep(interval)
		}
	}
	return lastErr
}
