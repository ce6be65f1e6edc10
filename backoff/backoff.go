// Package backoff computes capped exponential retry delays with multiplicative jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidPolicy = errors.New("backoff: invalid policy")

// Policy describes delay = max(Min, ceil(min(Base*Exponent^(attempt-1), Max) * jitter))
// where jitter is drawn uniformly from [JitterMin, JitterMax]. All arithmetic is
// done in whole milliseconds.
type Policy struct {
	Base      time.Duration
	Max       time.Duration
	Exponent  float64
	JitterMin float64
	JitterMax float64
	Min       time.Duration
}

func (p Policy) Validate() error {
	switch {
	case p.Base <= 0:
		return errors.Wrap(ErrInvalidPolicy, "base must be positive")
	case p.Max < p.Base:
		return errors.Wrap(ErrInvalidPolicy, "max must not be lower than base")
	case p.Exponent < 1:
		return errors.Wrap(ErrInvalidPolicy, "exponent must be at least 1")
	case p.JitterMin <= 0 || p.JitterMax < p.JitterMin:
		return errors.Wrapf(ErrInvalidPolicy, "jitter range [%g, %g] is not valid", p.JitterMin, p.JitterMax)
	case p.Min < 0:
		return errors.Wrap(ErrInvalidPolicy, "min must not be negative")
	case p.Min > time.Duration(float64(p.Max)*p.JitterMax):
		return errors.Wrapf(ErrInvalidPolicy, "min %s exceeds the largest jittered delay %s", p.Min, time.Duration(float64(p.Max)*p.JitterMax))
	}

	return nil
}

// Delay returns how long to wait before retrying the given (1-based) attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

func (p Policy) delay(attempt int, u float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	exp := float64(p.Base.Milliseconds()) * math.Pow(p.Exponent, float64(attempt-1))
	capped := math.Min(exp, float64(p.Max.Milliseconds()))
	jitter := p.JitterMin + u*(p.JitterMax-p.JitterMin)

	ms := int64(math.Ceil(capped * jitter))
	if min := p.Min.Milliseconds(); ms < min {
		ms = min
	}

	return time.Duration(ms) * time.Millisecond
}
