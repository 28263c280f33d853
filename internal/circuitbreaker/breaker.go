package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpenState is returned by Execute while the breaker rejects calls.
var ErrOpenState = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	// Threshold is the number of consecutive failures that opens the
	// breaker.
	Threshold uint32

	// Timeout is how long the breaker stays open before a single trial
	// call is let through.
	Timeout time.Duration

	// OnStateChange is called whenever the state changes
	OnStateChange func(from, to State)

	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig opens after 3 consecutive failures and allows a trial call
// after 2h, one upstream poll cadence.
func DefaultConfig() *Config {
	return &Config{Threshold: 3, Timeout: 2 * time.Hour}
}

// Breaker guards a single dependency. Calls are rejected while it is open;
// after Timeout one trial call decides whether it closes again.
type Breaker struct {
	mu       sync.Mutex
	config   Config
	state    State
	failures uint32
	openedAt time.Time
	trial    bool
}

// New creates a closed breaker. A nil config uses DefaultConfig.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	if c.Threshold == 0 {
		c.Threshold = 1
	}
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Breaker{config: c}
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs fn unless the breaker is open. Any error returned by fn
// counts as a failure.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

func (b *Breaker) refresh() {
	if b.state == StateOpen && !b.config.Now().Before(b.openedAt.Add(b.config.Timeout)) {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	switch b.state {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if b.trial {
			return ErrOpenState
		}
		b.trial = true
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
	if success {
		b.failures = 0
		b.setState(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.config.Threshold {
		b.openedAt = b.config.Now()
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trial = false
	b.setState(StateClosed)
}
