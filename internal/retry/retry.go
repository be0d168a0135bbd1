package retry

import "time"

// Policy bounds a repeated operation: how many attempts are allowed and how
// long to wait before each retry. Health polling consumes a Policy so pacing
// can be swapped without touching the orchestration logic.
type Policy interface {
	// MaxAttempts is the total number of attempts allowed, including the first.
	MaxAttempts() int
	// Delay returns the wait before attempt n (1-based). Delay(1) is always 0.
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval between every attempt.
type Fixed struct {
	Attempts int
	Interval time.Duration
}

var _ Policy = Fixed{}

func (p Fixed) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Fixed) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.Interval
}

// Exponential doubles the wait on every retry, capped at Cap.
type Exponential struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

var _ Policy = Exponential{}

func (p Exponential) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Exponential) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.Base
	for i := 2; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}
