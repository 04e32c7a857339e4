// Package retry decides when, and against which endpoint, a dropped
// gateway connection should be re-dialed. It is a pure decision engine:
// callers own the timers and the sockets, this package owns only the
// arithmetic, so every schedule is reproducible in tests.
package retry

import (
	"math/rand"
	"time"
)

// HaltReason says why Next refused to schedule another attempt.
type HaltReason int

const (
	HaltNone HaltReason = iota

	// MaxAttemptsExceeded means the total attempt budget is spent.
	MaxAttemptsExceeded

	// AllEndpointsFailed means every endpoint has used up its
	// per-endpoint attempt budget.
	AllEndpointsFailed
)

func (r HaltReason) String() string {
	switch r {
	case MaxAttemptsExceeded:
		return "max attempts exceeded"
	case AllEndpointsFailed:
		return "all endpoints failed"
	default:
		return "none"
	}
}

// State carries the policy configuration and the attempt counters in one
// value. Next never mutates its input; the successor state rides back in
// the Decision and must be stored by the caller.
type State struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	MaxAttemptsPerEndpoint int
	MaxTotalAttempts       int
	TotalEndpoints         int

	CurrentAttempt   int
	EndpointIndex    int
	EndpointAttempts int
}

// Decision is the outcome of one Next call. When Halt is false, Delay is
// how long to wait before dialing and State is the successor; its
// EndpointIndex names the endpoint to dial.
type Decision struct {
	Halt   bool
	Reason HaltReason
	Delay  time.Duration
	State  State
}

// Next evaluates the policy for one more attempt.
//
// The two halt guards are checked independently, in order: the reference
// behavior does not make either subsume the other for every
// configuration. Rotation to the next endpoint happens once the current
// one has exhausted its per-endpoint budget. The backoff exponent is the
// total attempt count, so the delay keeps growing across rotations
// instead of restarting per endpoint.
//
// A nil rng pins the jitter factor to its midpoint; otherwise the factor
// is drawn uniformly from [0.75, 1.25].
func Next(s State, rng *rand.Rand) Decision {
	if s.CurrentAttempt >= s.MaxTotalAttempts {
		return Decision{Halt: true, Reason: MaxAttemptsExceeded, State: s}
	}
	if s.CurrentAttempt >= s.TotalEndpoints*s.MaxAttemptsPerEndpoint {
		return Decision{Halt: true, Reason: AllEndpointsFailed, State: s}
	}

	if s.EndpointAttempts >= s.MaxAttemptsPerEndpoint {
		s.EndpointIndex = (s.EndpointIndex + 1) % s.TotalEndpoints
		s.EndpointAttempts = 0
	}

	// Doubling stops as soon as the cap is reached, which also keeps the
	// arithmetic clear of overflow for any attempt count.
	delay := s.BaseDelay
	for i := 0; i < s.CurrentAttempt && delay < s.MaxDelay; i++ {
		delay *= 2
	}
	if delay > s.MaxDelay {
		delay = s.MaxDelay
	}

	factor := 1.0
	if rng != nil {
		factor = 0.75 + rng.Float64()*0.5
	}
	delay = time.Duration(float64(delay) * factor)

	s.CurrentAttempt++
	s.EndpointAttempts++
	return Decision{Delay: delay, State: s}
}

// Reset zeroes the attempt counters after a connection reaches ready.
// EndpointIndex survives, so the next failure starts from the endpoint
// that last worked.
func Reset(s State) State {
	s.CurrentAttempt = 0
	s.EndpointAttempts = 0
	return s
}
