package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/errs"
)

// Guard bounds calls to one retrieval source with a per-call timeout and a
// circuit breaker. Every failure it returns is a Degraded error.
type Guard struct {
	source  string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewGuard builds a guard for the named source.
func NewGuard(source string, cfg config.BreakerConfig, timeout time.Duration, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        source,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Only trip once there are enough requests to judge
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("retrieval circuit breaker state changed",
				zap.String("source", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Caller cancellation says nothing about the source's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Guard{source: source, timeout: timeout, cb: cb}
}

// State returns the breaker state.
func (g *Guard) State() gobreaker.State { return g.cb.State() }

// Do runs fn under the timeout and breaker.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := g.cb.Execute(func() (any, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	if err != nil {
		return errs.Degraded(g.source, g.source, err)
	}
	return nil
}

// GuardedVectors wraps a VectorSearcher with a Guard.
type GuardedVectors struct {
	Inner VectorSearcher
	Guard *Guard
}

func (v *GuardedVectors) VectorSearch(ctx context.Context, query []float64, k int) ([]Hit, error) {
	var hits []Hit
	err := v.Guard.Do(ctx, func(ctx context.Context) error {
		var err error
		hits, err = v.Inner.VectorSearch(ctx, query, k)
		return err
	})
	return hits, err
}

// GuardedKeywords wraps a KeywordSearcher with a Guard.
type GuardedKeywords struct {
	Inner KeywordSearcher
	Guard *Guard
}

func (s *GuardedKeywords) KeywordSearch(ctx context.Context, terms []string, k int) ([]Hit, error) {
	var hits []Hit
	err := s.Guard.Do(ctx, func(ctx context.Context) error {
		var err error
		hits, err = s.Inner.KeywordSearch(ctx, terms, k)
		return err
	})
	return hits, err
}

// GuardedGraph wraps a GraphSearcher with a Guard.
type GuardedGraph struct {
	Inner GraphSearcher
	Guard *Guard
}

func (g *GuardedGraph) GraphNeighbors(ctx context.Context, id string, hopLimit int) ([]Neighbor, error) {
	var out []Neighbor
	err := g.Guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.Inner.GraphNeighbors(ctx, id, hopLimit)
		return err
	})
	return out, err
}
