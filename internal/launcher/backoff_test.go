package launcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{name: "fixed", backoff: Backoff{Kind: BackoffFixed, Initial: 2 * time.Second}, attempt: 5, want: 2 * time.Second},
		{name: "exponential first", backoff: Backoff{Kind: BackoffExponential, Initial: time.Second, Max: time.Minute}, attempt: 1, want: time.Second},
		{name: "exponential third", backoff: Backoff{Kind: BackoffExponential, Initial: time.Second, Max: time.Minute}, attempt: 3, want: 4 * time.Second},
		{name: "exponential capped", backoff: Backoff{Kind: BackoffExponential, Initial: time.Second, Max: 5 * time.Second}, attempt: 10, want: 5 * time.Second},
		{name: "fixed capped", backoff: Backoff{Kind: BackoffFixed, Initial: 10 * time.Second, Max: 3 * time.Second}, attempt: 1, want: 3 * time.Second},
		{name: "zero initial", backoff: Backoff{}, attempt: 1, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Delay(tt.attempt))
		})
	}
}
