package session

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is an exponential reconnect delay with a cap and up to 20% jitter.
type Backoff struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 250 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}
}

// Delay returns the wait before reconnect attempt number attempt (starting at 0).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff().Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	jitter := d * 0.2 * rand.Float64()
	return time.Duration(d - jitter)
}
