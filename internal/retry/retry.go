// Package retry classifies failures and computes the exponential
// backoff schedule used to re-enqueue retriable jobs. Every failure in
// a batch passes through this one funnel rather than each component
// carrying its own ad-hoc retry loop.
package retry

import (
	"time"

	"github.com/jpequegn/metamaprun/internal/errkind"
)

// Policy holds the backoff parameters.
type Policy struct {
	Base        time.Duration // wait for attempt 1
	Cap         time.Duration // maximum wait regardless of attempt number
	MaxAttempts int           // cap on attempts before a job is recorded as failed
}

// DefaultPolicy is base=5s, cap=60s, 3 attempts.
var DefaultPolicy = Policy{
	Base:        5 * time.Second,
	Cap:         60 * time.Second,
	MaxAttempts: 3,
}

// Backoff returns how long to wait before retrying attempt k (1-based):
// min(base * 2^(k-1), cap).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// ExhaustedAttempts reports whether attempt has used up the policy's budget.
func (p Policy) ExhaustedAttempts(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Decision is what the controller tells the coordinator to do with a
// failed Job.
type Decision struct {
	Retry bool
	Wait  time.Duration
	Kind  errkind.Kind
}

// Classify turns an arbitrary error into a Kind. Errors already wrapped
// in *errkind.Error keep their classification; anything else is Unknown.
func Classify(err error) errkind.Kind {
	if err == nil {
		return errkind.Unknown
	}
	if ke, ok := asKindError(err); ok {
		return ke.Kind
	}
	return errkind.Unknown
}

func asKindError(err error) (*errkind.Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ke, ok := err.(*errkind.Error); ok {
			return ke, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Decide classifies err and determines whether attempt should be
// retried, and after how long. A job whose kind is non-retriable, or
// that has exhausted the attempt budget, gets Retry=false.
func (p Policy) Decide(err error, attempt int) Decision {
	kind := Classify(err)
	if !kind.Retriable() || p.ExhaustedAttempts(attempt) {
		return Decision{Retry: false, Kind: kind}
	}
	return Decision{Retry: true, Wait: p.Backoff(attempt), Kind: kind}
}
