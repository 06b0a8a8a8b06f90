package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Config tunes the per-provider limiter, breaker, and retry policy
type Config struct {
	// Rate is the sustained calls-per-second allowance per provider key.
	Rate  float64
	Burst int

	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration

	RetryBase  time.Duration
	MaxRetries uint64
}

// DefaultConfig returns conservative production defaults
func DefaultConfig() Config {
	return Config{
		Rate:             5,
		Burst:            10,
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		Cooldown:         15 * time.Second,
		RetryBase:        250 * time.Millisecond,
		MaxRetries:       3,
	}
}

// Transienter is implemented by errors that know whether the failure is
// worth retrying (e.g. provider 429/5xx vs. a rejected request).
type Transienter interface {
	Transient() bool
}

// IsTransient reports whether err is marked as a transient provider failure.
func IsTransient(err error) bool {
	var t Transienter
	return errors.As(err, &t) && t.Transient()
}

// Registry wraps every outbound provider call with a token bucket and a
// circuit breaker keyed by provider name, plus capped exponential-backoff
// retries for idempotent operations only.
type Registry struct {
	cfg Config
	now func() time.Time

	// OnStateChange, if set, observes breaker transitions per key.
	OnStateChange func(key string, from, to State)

	mu       sync.Mutex
	buckets  map[string]*bucket
	breakers map[string]*Breaker
}

// NewRegistry creates a new call registry
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) bucket(key string) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		b = newBucket(r.cfg.Rate, r.cfg.Burst, r.now)
		r.buckets[key] = b
	}
	return b
}

func (r *Registry) breaker(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		var onChange func(from, to State)
		if r.OnStateChange != nil {
			onChange = func(from, to State) { r.OnStateChange(key, from, to) }
		}
		b = newBreaker(r.cfg.FailureThreshold, r.cfg.FailureWindow, r.cfg.Cooldown, r.now, onChange)
		r.breakers[key] = b
	}
	return b
}

// State returns the current breaker state for the key.
func (r *Registry) State(key string) State {
	return r.breaker(key).currentState()
}

// Do runs fn under the key's rate limit and circuit breaker. Idempotent
// calls are retried with exponential backoff and jitter on transient
// failures; non-idempotent calls (writes) get exactly one attempt, since a
// retried write could duplicate a side effect.
func (r *Registry) Do(ctx context.Context, key string, idempotent bool, fn func(context.Context) error) error {
	bk := r.bucket(key)
	br := r.breaker(key)

	attempt := func(ctx context.Context) error {
		if err := bk.wait(ctx); err != nil {
			return err
		}
		if err := br.allow(); err != nil {
			return err
		}
		err := fn(ctx)
		br.record(err)
		return err
	}

	if !idempotent {
		return attempt(ctx)
	}

	backoff := retry.WithMaxRetries(r.cfg.MaxRetries, retry.WithJitter(r.cfg.RetryBase/2, retry.NewExponential(r.cfg.RetryBase)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		// An open circuit fails fast; backing off against it locally
		// would just serialize the inevitable.
		if errors.Is(err, ErrOpen) {
			return err
		}
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
