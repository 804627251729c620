package realtime

import "time"

// Default reconnect delays.
const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
)

// Backoff computes reconnect delays. Zero fields take the defaults.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	return b
}

// Delay returns min(Max, Base * 2^attempts). Negative attempts count as
// zero. Doubling stops at Max, so large attempt counts cannot overflow.
func (b Backoff) Delay(attempts int) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for i := 0; i < attempts; i++ {
		if d >= b.Max {
			break
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
