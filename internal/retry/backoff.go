package retry

import "time"

// Exponential computes Base * 2^min(n, MaxExponent), optionally capped.
type Exponential struct {
	Base        time.Duration
	MaxExponent int
	// Cap bounds the delay when > 0.
	Cap time.Duration
}

// Delay returns the wait for exponent n. Negative n is treated as 0.
func (e Exponential) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if e.MaxExponent >= 0 && n > e.MaxExponent {
		n = e.MaxExponent
	}
	wait := e.Base << uint(n)
	if e.Cap > 0 && wait > e.Cap {
		wait = e.Cap
	}
	return wait
}

// DrainPolicy is the webhook drain schedule: 2s, 4s, ... 64s, never above 10 minutes.
var DrainPolicy = Exponential{Base: time.Second, MaxExponent: 6, Cap: 10 * time.Minute}

// DrainDelay returns the delay after a failed delivery of a job that had
// priorAttempts recorded before this one.
func DrainDelay(priorAttempts int) time.Duration {
	return DrainPolicy.Delay(priorAttempts + 1)
}

// OutboxDelay returns base * 2^min(attempts-1, 6) where attempts already
// counts the failed attempt.
func OutboxDelay(base time.Duration, attempts int) time.Duration {
	return Exponential{Base: base, MaxExponent: 6}.Delay(attempts - 1)
}
