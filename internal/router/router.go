// Package router classifies queries and picks a retrieval strategy and
// fusion weights. Classification is lexical and best effort: Route never
// fails, an unclassifiable query just gets hybrid retrieval.
package router

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/embedding"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/store"
)

// Intent is the classified purpose of a query.
type Intent string

const (
	IntentTemporal     Intent = "temporal"
	IntentExactMatch   Intent = "exact_match"
	IntentRelationship Intent = "relationship"
	IntentConceptual   Intent = "conceptual"
	IntentComposite    Intent = "composite"
	IntentUnknown      Intent = "unknown"
)

// Strategy selects which retrieval sources run.
type Strategy string

const (
	StrategySparseOnly     Strategy = "sparse_only"
	StrategySemanticOnly   Strategy = "semantic_only"
	StrategyHybrid         Strategy = "hybrid"
	StrategyGraphExpansion Strategy = "graph_expansion"
)

// UsesDense reports whether the strategy queries the vector source.
func (s Strategy) UsesDense() bool { return s != StrategySparseOnly }

// UsesSparse reports whether the strategy queries the keyword source.
func (s Strategy) UsesSparse() bool { return s != StrategySemanticOnly }

// TimeRange is a half-open [From, To) window. A zero bound is unbounded.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Filters narrow a search. Zero values mean no constraint.
type Filters struct {
	Kinds           []store.Kind `json:"kinds,omitempty"`
	Project         string       `json:"project,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	From            time.Time    `json:"from,omitempty"`
	To              time.Time    `json:"to,omitempty"`
	IncludeArchived bool         `json:"include_archived,omitempty"`
	IncludeObsolete bool         `json:"include_obsolete,omitempty"`
}

// Validate rejects malformed filters before any work is done.
func (f Filters) Validate() error {
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return errs.Validation("search", "time range start %s is after end %s",
			f.From.Format(time.RFC3339), f.To.Format(time.RFC3339))
	}
	for _, k := range f.Kinds {
		if !k.Valid() {
			return errs.Validation("search", "invalid kind %q", k)
		}
	}
	return nil
}

// Key is a canonical string for the filter set. Two filter sets with the
// same constraints produce the same key regardless of slice order.
func (f Filters) Key() string {
	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = string(k)
	}
	sort.Strings(kinds)
	tags := append([]string(nil), f.Tags...)
	sort.Strings(tags)

	var b strings.Builder
	b.WriteString("k=" + strings.Join(kinds, ","))
	b.WriteString("|p=" + f.Project)
	b.WriteString("|t=" + strings.Join(tags, ","))
	b.WriteString("|f=" + timeKey(f.From))
	b.WriteString("|u=" + timeKey(f.To))
	if f.IncludeArchived {
		b.WriteString("|archived")
	}
	if f.IncludeObsolete {
		b.WriteString("|obsolete")
	}
	return b.String()
}

func timeKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Plan is the routing decision for one query.
type Plan struct {
	Query     string         `json:"query"`
	Text      string         `json:"text"`
	Terms     []string       `json:"terms"`
	Intent    Intent         `json:"intent"`
	Signals   []Intent       `json:"signals,omitempty"`
	Strategy  Strategy       `json:"strategy"`
	Weights   config.Weights `json:"weights"`
	TimeRange *TimeRange     `json:"time_range,omitempty"`
	Entities  []string       `json:"entities,omitempty"`
	Filters   Filters        `json:"filters"`
	Expand    bool           `json:"expand"`
}

// Window returns the effective creation-time window: the intersection of
// the phrase-derived range and the explicit filter bounds.
func (p Plan) Window() TimeRange {
	w := TimeRange{From: p.Filters.From, To: p.Filters.To}
	if p.TimeRange != nil {
		if !p.TimeRange.From.IsZero() && (w.From.IsZero() || p.TimeRange.From.After(w.From)) {
			w.From = p.TimeRange.From
		}
		if !p.TimeRange.To.IsZero() && (w.To.IsZero() || p.TimeRange.To.Before(w.To)) {
			w.To = p.TimeRange.To
		}
	}
	return w
}

// maxExactWords bounds what counts as a "short" query for exact matching.
const maxExactWords = 8

var (
	quotedRe = regexp.MustCompile(`"([^"]+)"|'([^']{2,})'|` + "`([^`]+)`")
	filterRe = regexp.MustCompile(`(?i)(?:^|\s)(project|kind|tag):(\S+)|(?:^|\s)#([\w\-]+)`)

	// error codes, identifiers, paths, calls
	codeRes = []*regexp.Regexp{
		regexp.MustCompile(`^[A-Z][A-Z0-9]*[_\-][A-Z0-9_\-]+$`), // ERR_CONN_RESET
		regexp.MustCompile(`^E[A-Z]{4,}$`),                      // ECONNREFUSED
		regexp.MustCompile(`^[A-Za-z]+\d+[A-Za-z0-9]*$`),        // E1234, TS2345
		regexp.MustCompile(`^0x[0-9a-fA-F]+$`),                  // 0xDEAD
		regexp.MustCompile(`^[a-z]+[A-Z][A-Za-z0-9]*$`),         // camelCase
		regexp.MustCompile(`^[A-Za-z0-9]+(?:_[A-Za-z0-9]+)+$`),  // snake_case
		regexp.MustCompile(`^[\w\-]+(?:\.[\w\-]+)+\(?\)?$`),     // pkg.Func, file.go
		regexp.MustCompile(`^[\w\-.]*/[\w\-./]+$`),              // paths
		regexp.MustCompile(`^[\w.]+\(\)$`),                      // call()
		regexp.MustCompile(`^[\w]+::[\w:]+$`),                   // ns::name
		regexp.MustCompile(`^--?[a-z][\w\-]*$`),                 // --flag
	}

	relationPhrases = []string{
		"related to", "relates to", "relationship between", "connected to", "linked to",
		"caused by", "causes", "leads to", "led to", "results in", "resulted in",
		"depends on", "depend on", "because of", "associated with", "impact of", "affects",
	}

	questionWords = map[string]bool{
		"how": true, "why": true, "what": true, "when": true, "where": true,
		"which": true, "who": true, "should": true, "can": true, "does": true,
		"explain": true, "describe": true,
	}
)

// Router classifies queries into plans.
type Router struct {
	mu  sync.RWMutex
	cfg config.RouterConfig
	now func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock used to resolve relative time phrases.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router with the given weights.
func New(cfg config.RouterConfig, opts ...Option) *Router {
	r := &Router{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reload swaps in new weights. Plans already built are unaffected.
func (r *Router) Reload(cfg config.RouterConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Router) current() config.RouterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Route classifies query and merges filters lifted from its text with the
// explicit ones. It never fails.
func (r *Router) Route(query string, explicit Filters) Plan {
	cfg := r.current()
	plan := Plan{Query: query, Filters: explicit}
	plan.Filters.Kinds = append([]store.Kind(nil), explicit.Kinds...)
	plan.Filters.Tags = append([]string(nil), explicit.Tags...)

	text := r.liftFilters(query, &plan.Filters)

	tr, text := parseTimeRange(text, r.now())
	plan.TimeRange = tr

	var exact []string
	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			if g != "" {
				exact = append(exact, g)
			}
		}
	}
	stripped := quotedRe.ReplaceAllString(text, " ")
	residual := 0
	for _, w := range strings.Fields(stripped) {
		w = trimToken(w)
		if isCodeToken(w) {
			exact = append(exact, w)
			continue
		}
		if !isStopWord(strings.ToLower(w)) && len(w) > 1 {
			residual++
		}
	}
	plan.Entities = exact
	plan.Text = strings.Join(strings.Fields(text), " ")
	plan.Terms = keywordTerms(plan.Text, exact)

	lower := strings.ToLower(plan.Text)
	words := strings.Fields(lower)

	if plan.TimeRange != nil {
		plan.Signals = append(plan.Signals, IntentTemporal)
	}
	if len(exact) > 0 && len(words) <= maxExactWords {
		plan.Signals = append(plan.Signals, IntentExactMatch)
	}
	if containsAny(lower, relationPhrases) {
		plan.Signals = append(plan.Signals, IntentRelationship)
		plan.Expand = true
	}

	switch len(plan.Signals) {
	case 0:
		if isConceptual(words) {
			plan.Intent = IntentConceptual
			plan.Weights = cfg.Conceptual
		} else {
			plan.Intent = IntentUnknown
			plan.Weights = cfg.Hybrid
		}
	case 1:
		plan.Intent = plan.Signals[0]
		plan.Weights = signalWeights(cfg, plan.Intent)
	default:
		plan.Intent = IntentComposite
		var d, s float64
		for _, sig := range plan.Signals {
			w := signalWeights(cfg, sig)
			d += w.Dense
			s += w.Sparse
		}
		n := float64(len(plan.Signals))
		plan.Weights = config.Weights{Dense: d / n, Sparse: s / n}
	}

	switch {
	case plan.Expand:
		plan.Strategy = StrategyGraphExpansion
	case len(exact) > 0 && residual == 0:
		plan.Strategy = StrategySparseOnly
		plan.Weights = config.Weights{Dense: 0, Sparse: 1}
	case len(plan.Terms) == 0:
		plan.Strategy = StrategySemanticOnly
		plan.Weights = config.Weights{Dense: 1, Sparse: 0}
	default:
		plan.Strategy = StrategyHybrid
	}
	return plan
}

func signalWeights(cfg config.RouterConfig, intent Intent) config.Weights {
	switch intent {
	case IntentExactMatch:
		return cfg.ExactMatch
	case IntentConceptual:
		return cfg.Conceptual
	}
	return cfg.Hybrid
}

// liftFilters moves project:, kind:, tag: and #tag tokens out of the query
// text and into f.
func (r *Router) liftFilters(query string, f *Filters) string {
	return filterRe.ReplaceAllStringFunc(query, func(m string) string {
		sub := filterRe.FindStringSubmatch(m)
		if sub[3] != "" {
			f.Tags = appendUnique(f.Tags, strings.ToLower(sub[3]))
			return " "
		}
		val := strings.Trim(sub[2], `"'`)
		switch strings.ToLower(sub[1]) {
		case "project":
			if f.Project == "" {
				f.Project = val
			}
		case "kind":
			k := store.Kind(strings.ToLower(val))
			if !k.Valid() {
				return m
			}
			if !containsKind(f.Kinds, k) {
				f.Kinds = append(f.Kinds, k)
			}
		case "tag":
			f.Tags = appendUnique(f.Tags, strings.ToLower(val))
		}
		return " "
	})
}

func isCodeToken(w string) bool {
	if len(w) < 2 {
		return false
	}
	for _, re := range codeRes {
		if re.MatchString(w) {
			return true
		}
	}
	return false
}

func trimToken(w string) string {
	w = strings.Trim(w, ",;:!?[]{}")
	w = strings.TrimPrefix(w, "(")
	if strings.HasSuffix(w, ")") && !strings.HasSuffix(w, "()") {
		w = strings.TrimSuffix(w, ")")
	}
	return w
}

func isConceptual(words []string) bool {
	if len(words) == 0 {
		return false
	}
	if len(words) >= 5 {
		return true
	}
	return questionWords[strings.Trim(words[0], "?")] || strings.HasSuffix(words[len(words)-1], "?")
}

// keywordTerms returns the deduplicated non-stop-word tokens of text, plus
// the tokens of each exact entity.
func keywordTerms(text string, entities []string) []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(tokens []string) {
		for _, t := range tokens {
			if isStopWord(t) || seen[t] {
				continue
			}
			seen[t] = true
			terms = append(terms, t)
		}
	}
	add(embedding.Tokenize(text))
	for _, e := range entities {
		add(embedding.Tokenize(e))
	}
	return terms
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(" "+s+" ", " "+p+" ") {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func containsKind(list []store.Kind, k store.Kind) bool {
	for _, x := range list {
		if x == k {
			return true
		}
	}
	return false
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "did": true, "do": true, "does": true, "for": true, "from": true, "had": true,
	"has": true, "have": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"its": true, "me": true, "my": true, "of": true, "on": true, "or": true, "our": true,
	"that": true, "the": true, "this": true, "to": true, "was": true, "we": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "who": true, "why": true,
	"will": true, "with": true, "about": true, "any": true, "all": true, "can": true,
	"there": true, "these": true, "those": true, "you": true, "your": true, "should": true,
	"would": true, "could": true, "been": true, "into": true, "than": true, "then": true,
	"them": true, "they": true, "so": true, "if": true, "but": true, "not": true, "no": true,
}

func isStopWord(w string) bool { return stopWords[w] }
