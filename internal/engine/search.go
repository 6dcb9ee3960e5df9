package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/cache"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/fusion"
	"github.com/lazypower/memcore/internal/observability"
	"github.com/lazypower/memcore/internal/router"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// SearchRequest is one query with optional explicit filters.
type SearchRequest struct {
	Query   string         `json:"query"`
	Filters router.Filters `json:"filters"`
	Limit   int            `json:"limit"`
}

func (r SearchRequest) limit() int {
	if r.Limit <= 0 {
		return defaultLimit
	}
	return r.Limit
}

// SearchResponse is a ranked result list with the plan that produced it.
type SearchResponse struct {
	Plan            router.Plan     `json:"plan"`
	Results         []fusion.Result `json:"results"`
	Degraded        bool            `json:"degraded"`
	DegradedSources []string        `json:"degraded_sources,omitempty"`
	Cached          bool            `json:"cached"`
}

// Search routes, ranks and caches a query. Searching never mutates records;
// callers report use through Access.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (resp *SearchResponse, err error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errs.Validation("search", "query is required")
	}
	if req.Limit < 0 || req.Limit > maxLimit {
		return nil, errs.Validation("search", "limit must be between 1 and %d", maxLimit)
	}
	if err := req.Filters.Validate(); err != nil {
		return nil, err
	}
	limit := req.limit()

	ctx, span := observability.StartSpan(ctx, "engine.search", "limit", strconv.Itoa(limit))
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	plan := e.Router.Route(query, req.Filters)
	defer func() {
		e.Metrics.SearchDuration.WithLabelValues(string(plan.Strategy)).Observe(time.Since(start).Seconds())
	}()

	text := plan.Text
	if text == "" {
		text = query
	}
	vec := e.embedQuery(ctx, text)

	fp := cache.Fingerprint(text)
	filterKey := cacheFilterKey(plan, limit)
	if hit, ok := e.Cache.Get(fp, filterKey, vec); ok {
		e.Metrics.Searches.WithLabelValues(string(plan.Intent), "hit").Inc()
		return newSearchResponse(plan, hit, true), nil
	}
	e.Metrics.Searches.WithLabelValues(string(plan.Intent), "miss").Inc()

	// identical concurrent misses share one ranking pass
	v, err, _ := e.flight.Do(fp+"\x00"+filterKey, func() (any, error) {
		ranked, err := e.Ranker.Rank(ctx, plan, vec, limit)
		if err != nil {
			return nil, err
		}
		if !ranked.Degraded {
			e.Cache.Put(fp, filterKey, vec, ranked)
		}
		return ranked, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rank: %w", err)
	}
	ranked := v.(*fusion.Response)
	if ranked.Degraded {
		e.logger.Info("search degraded",
			zap.String("intent", string(plan.Intent)),
			zap.Strings("sources", ranked.DegradedSources))
	}
	return newSearchResponse(plan, ranked, false), nil
}

// embedQuery returns nil when no embedder is configured or embedding fails;
// the ranker then reports dense retrieval as degraded.
func (e *Engine) embedQuery(ctx context.Context, text string) []float64 {
	if e.Embedder == nil {
		return nil
	}
	vec, err := e.Embedder.Embed(ctx, text)
	if err != nil {
		e.logger.Warn("query embedding failed", zap.Error(err))
		return nil
	}
	return vec
}

// cacheFilterKey scopes cache entries to the filters, the effective time
// window at hour granularity and the requested limit.
func cacheFilterKey(plan router.Plan, limit int) string {
	w := plan.Window()
	return fmt.Sprintf("%s|w=%s,%s|n=%d", plan.Filters.Key(), hourKey(w.From), hourKey(w.To), limit)
}

func hourKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Hour).Format("2006010215")
}

func newSearchResponse(plan router.Plan, r *fusion.Response, cached bool) *SearchResponse {
	results := make([]fusion.Result, len(r.Results))
	copy(results, r.Results)
	return &SearchResponse{
		Plan:            plan,
		Results:         results,
		Degraded:        r.Degraded,
		DegradedSources: append([]string(nil), r.DegradedSources...),
		Cached:          cached,
	}
}
