package mesh

import (
	"context"
	"time"
)

// Backoff yields the wait before each redial: base, base+increment,
// base+2*increment and so on. It has no cap, no jitter and never resets.
type Backoff struct {
	base      time.Duration
	increment time.Duration
	waits     int
}

// NewBackoff creates a linear backoff.
func NewBackoff(base, increment time.Duration) *Backoff {
	return &Backoff{base: base, increment: increment}
}

// Next returns the next wait and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.base + time.Duration(b.waits)*b.increment
	b.waits++
	return d
}

// Waits returns how many waits have been handed out.
func (b *Backoff) Waits() int {
	return b.waits
}

// Sleeper pauses a mesh loop. It returns early with the context's error.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
