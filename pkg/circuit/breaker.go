package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of a breaker
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

// Config holds breaker settings
type Config struct {
	MaxFailures int
	Timeout     time.Duration
}

// Breaker trips after MaxFailures consecutive failures and stays open for
// Timeout, after which one probe call is let through.
type Breaker struct {
	maxFailures int
	timeout     time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		maxFailures: cfg.MaxFailures,
		timeout:     cfg.Timeout,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the outcome
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.record(false)
		return err
	}
	b.record(true)
	return nil
}

// CurrentState returns the breaker state
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.timeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
	}
}

// Group manages named breakers sharing one configuration
type Group struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group
func NewGroup(cfg Config) *Group {
	return &Group{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Execute runs fn behind the named breaker, creating it on first use
func (g *Group) Execute(ctx context.Context, name string, fn func() error) error {
	g.mu.Lock()
	b, ok := g.breakers[name]
	if !ok {
		b = NewBreaker(g.cfg)
		g.breakers[name] = b
	}
	g.mu.Unlock()

	return b.Execute(ctx, fn)
}
