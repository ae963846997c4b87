package retry

import (
	"math"
	"strings"
	"time"
)

// Policy is an immutable backoff description. It never performs a retry
// itself; callers consult Advise between attempts.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	// RetryOn restricts retries to these kinds when non-empty.
	RetryOn []Kind
}

type Advice struct {
	Retry bool
	Delay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  3,
	}
}

// Config is the envconfig form of Policy.
type Config struct {
	InitialDelay time.Duration `split_words:"true" default:"200ms"`
	Multiplier   float64       `default:"2"`
	MaxDelay     time.Duration `split_words:"true" default:"5s"`
	MaxAttempts  int           `split_words:"true" default:"3"`
	RetryOn      []string      `split_words:"true"`
}

func (c Config) Policy() Policy {
	p := Policy{
		InitialDelay: c.InitialDelay,
		Multiplier:   c.Multiplier,
		MaxDelay:     c.MaxDelay,
		MaxAttempts:  c.MaxAttempts,
	}
	for _, k := range c.RetryOn {
		if k = strings.TrimSpace(k); k != "" {
			p.RetryOn = append(p.RetryOn, Kind(k))
		}
	}
	return p.normalized()
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// WithMaxAttempts returns a copy of p allowing n attempts in total.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Delay is the wait before retry number n (1-based):
// InitialDelay * Multiplier^(n-1), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Advise decides whether to retry after attempts failed attempts ending in rec.
func (p Policy) Advise(attempts int, rec *Error) Advice {
	p = p.normalized()
	if rec == nil || !rec.Retryable {
		return Advice{}
	}
	if attempts >= p.MaxAttempts {
		return Advice{}
	}
	if len(p.RetryOn) > 0 && !containsKind(p.RetryOn, rec.Kind) {
		return Advice{}
	}
	return Advice{Retry: true, Delay: p.Delay(attempts)}
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}
