package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit is open and the call was not attempted.
var ErrOpen = errors.New("circuit open")

// State is the circuit breaker state
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a three-state circuit breaker. It opens after threshold
// consecutive failures within the window, fails fast while open, and after
// the cooldown admits a single trial call: success closes the circuit,
// failure reopens it.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	firstFailure  time.Time
	openedAt      time.Time
	probing       bool
	threshold     int
	window        time.Duration
	cooldown      time.Duration
	now           func() time.Time
	onStateChange func(from, to State)
}

func newBreaker(threshold int, window, cooldown time.Duration, now func() time.Time, onStateChange func(from, to State)) *Breaker {
	return &Breaker{
		threshold:     threshold,
		window:        window,
		cooldown:      cooldown,
		now:           now,
		onStateChange: onStateChange,
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// allow reports whether a call may proceed. In half-open state only one
// trial call is admitted at a time.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// record feeds the call outcome back into the breaker.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.probing = false
		if err != nil {
			b.openedAt = b.now()
			b.transition(Open)
		} else {
			b.failures = 0
			b.transition(Closed)
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	now := b.now()
	if b.failures == 0 || now.Sub(b.firstFailure) > b.window {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = now
		b.failures = 0
		b.transition(Open)
	}
}

// state returns the current state, honoring cooldown expiry.
func (b *Breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
