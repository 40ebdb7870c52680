package socket

import "time"

// ReconnectPolicy decides whether, and after how long, the Client dials again
// once a connection is lost or a dial fails. attempt counts consecutive
// failures, starting at 0; it resets after a connection reaches Open.
type ReconnectPolicy interface {
	Next(attempt int) (time.Duration, bool)
}

// NoReconnect never reconnects: the first Closed ends Run.
type NoReconnect struct{}

func (NoReconnect) Next(int) (time.Duration, bool) { return 0, false }

// FixedDelay waits Delay between attempts. MaxAttempts 0 means unlimited.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p FixedDelay) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}

// DefaultMaxBackoff caps ExponentialBackoff when Max is not set.
const DefaultMaxBackoff = 5 * time.Minute

// ExponentialBackoff doubles the delay from Base on each attempt, capped at Max
// (DefaultMaxBackoff when Max is zero). MaxAttempts 0 means unlimited.
type ExponentialBackoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (p ExponentialBackoff) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = DefaultMaxBackoff
	}

	delay := min(p.Base, ceiling)
	for i := 0; i < attempt && delay > 0 && delay < ceiling; i++ {
		if delay >= ceiling/2 {
			delay = ceiling
			break
		}
		delay *= 2
	}
	return delay, true
}
