package bridge

import "time"

const (
	backoffBase = 200 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// backoff produces the reconnect delay sequence: base doubling each
// attempt, capped. Retries are unbounded; each outage starts a fresh
// sequence.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func newBackoff() *backoff {
	return &backoff{base: backoffBase, cap: backoffCap}
}

// Next returns the delay before the next attempt: 200ms, 400ms, 800ms, ...
// capped at 5s.
func (b *backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d >= b.cap || d <= 0 {
		return b.cap
	}
	b.attempt++
	return d
}
