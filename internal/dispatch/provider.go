package dispatch

import (
	"context"
	"math/rand"
	"sync"
)

// Provider is the upstream SMS carrier adapter. Send returns nil on
// acceptance, a *Rejection for a carrier-side refusal that must not be
// retried, and any other error for transport problems that feed the circuit
// breaker and the retry loop.
type Provider interface {
	Send(ctx context.Context, recipient, body string) error
	Healthcheck(ctx context.Context) error
}

// Rejection is a non-retriable carrier refusal.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "provider rejected: " + r.Reason }

// StubProvider simulates a carrier: it accepts with the configured
// probability and rejects with a rotating reason otherwise. It stands in for
// the real adapter in development and load testing.
type StubProvider struct {
	mu          sync.Mutex
	rng         *rand.Rand
	successRate float64
}

var stubReasons = []string{
	"invalid recipient number",
	"recipient opted out",
	"message content rejected",
}

// NewStubProvider builds a stub with the given success probability. Pass a
// fixed seed for reproducible runs.
func NewStubProvider(successRate float64, seed int64) *StubProvider {
	return &StubProvider{
		rng:         rand.New(rand.NewSource(seed)),
		successRate: successRate,
	}
}

// Healthcheck reports the stub as always reachable.
func (s *StubProvider) Healthcheck(ctx context.Context) error {
	return ctx.Err()
}

// Send rolls the dice.
func (s *StubProvider) Send(ctx context.Context, recipient, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	roll := s.rng.Float64()
	n := s.rng.Intn(len(stubReasons))
	s.mu.Unlock()

	if roll < s.successRate {
		return nil
	}
	return &Rejection{Reason: stubReasons[n]}
}
