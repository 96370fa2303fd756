package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultHalfOpenRequests = 3
	defaultOpenTimeout      = 30 * time.Second
)

// BreakerRegistry holds one circuit breaker per engine name.
type BreakerRegistry struct {
	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker
	maxRequests uint32
	timeout     time.Duration
}

// NewBreakerRegistry creates an empty registry whose half-open breakers admit
// at least maxConcurrent runs, so a full parallel batch can probe a recovering
// engine without being rejected.
func NewBreakerRegistry(maxConcurrent int) *BreakerRegistry {
	n := defaultHalfOpenRequests
	if maxConcurrent > n {
		n = maxConcurrent
	}
	return &BreakerRegistry{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		maxRequests: uint32(n),
		timeout:     defaultOpenTimeout,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.maxRequests,
		Timeout:     r.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("WARNING: engine %q circuit breaker: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// cancellation is the user's doing, not the engine's
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[name] = cb
	return cb
}

// Wrap returns e guarded by the breaker registered for its name.
func (r *BreakerRegistry) Wrap(e Engine) Engine {
	return &breakerEngine{Engine: e, cb: r.Get(e.Name())}
}

// WithBreaker guards e with a breaker sized for maxConcurrent simultaneous
// runs. Only spawn failures count against it; non-zero exits are results.
func WithBreaker(e Engine, maxConcurrent int) Engine {
	return NewBreakerRegistry(maxConcurrent).Wrap(e)
}

type breakerEngine struct {
	Engine
	cb *gobreaker.CircuitBreaker
}

func (b *breakerEngine) Run(ctx context.Context, prompt string, opts RunOptions) (*Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.Engine.Run(ctx, prompt, opts)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}
