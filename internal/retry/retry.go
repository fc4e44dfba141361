package retry

import (
	"time"

	"github.com/pkg/errors"
)

// MaxLength bounds the number of backoff steps a policy may hold.
const MaxLength = 10

// DefaultSeconds doubles on each retry to keep the network happy, then
// backs off hard once two minutes were not enough.
var DefaultSeconds = []int{1, 2, 4, 8, 16, 32, 64, 128, 600, 1200}

// Policy is an ordered, bounded list of backoff delays
type Policy struct {
	delays []time.Duration
}

// New creates a policy from delays given in seconds
func New(seconds []int) (Policy, error) {
	if len(seconds) == 0 {
		return Policy{}, errors.New("retry policy is empty")
	}
	if len(seconds) > MaxLength {
		return Policy{}, errors.Errorf("retry policy has %d entries, at most %d allowed", len(seconds), MaxLength)
	}

	delays := make([]time.Duration, len(seconds))
	for i, s := range seconds {
		if s <= 0 {
			return Policy{}, errors.Errorf("retry delay #%d must be positive, got %d", i+1, s)
		}
		delays[i] = time.Duration(s) * time.Second
	}

	return Policy{delays: delays}, nil
}

// Default returns the stock backoff policy
func Default() Policy {
	p, _ := New(DefaultSeconds)
	return p
}

// Len returns the number of steps in the policy
func (p Policy) Len() int {
	return len(p.delays)
}

// NextDelay returns the delay before retry number attempt (1-based).
// Every entry is used once, so the policy is exhausted past Len().
func (p Policy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > len(p.delays) {
		return 0, false
	}
	return p.delays[attempt-1], true
}

// Seconds returns a copy of the policy in seconds
func (p Policy) Seconds() []int {
	out := make([]int, len(p.delays))
	for i, d := range p.delays {
		out[i] = int(d / time.Second)
	}
	return out
}
