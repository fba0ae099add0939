package launcher

import "time"

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff spaces restart attempts.
type Backoff struct {
	Kind    string
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before restart attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = time.Second
	}
	if b.Kind == BackoffExponential {
		for i := 1; i < n; i++ {
			d *= 2
			if b.Max > 0 && d >= b.Max {
				return b.Max
			}
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
