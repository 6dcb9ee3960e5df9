package quality

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/embedding"
	"github.com/lazypower/memcore/internal/store"
)

// Tier is a reporting bucket for a quality score. Tiers are a view and are
// never stored.
type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierFair      Tier = "fair"
	TierPoor      Tier = "poor"
	TierVeryPoor  Tier = "very_poor"
)

// Tiers lists every tier, best first.
var Tiers = []Tier{TierExcellent, TierGood, TierFair, TierPoor, TierVeryPoor}

// TierOf buckets a score at 0.8, 0.6, 0.4 and 0.2.
func TierOf(score float64) Tier {
	switch {
	case score >= 0.8:
		return TierExcellent
	case score >= 0.6:
		return TierGood
	case score >= 0.4:
		return TierFair
	case score >= 0.2:
		return TierPoor
	}
	return TierVeryPoor
}

// Saturate maps a count onto [0,1) with diminishing returns: n/(n+k).
func Saturate(n, k float64) float64 {
	if n <= 0 || k <= 0 {
		return 0
	}
	return n / (n + k)
}

// Importance weighs pin, access frequency, link count, explicit rating and
// kind. Unrated records get nothing from the rating term.
func Importance(cfg config.QualityConfig, r *store.Record, relations int) float64 {
	var v float64
	if r.Pinned {
		v += cfg.PinBonus
	}
	v += cfg.AccessWeight * Saturate(float64(r.AccessCount), cfg.AccessK)
	v += cfg.RelationWeight * Saturate(float64(relations), cfg.RelationK)
	if r.Rating != nil {
		v += cfg.RatingWeight * *r.Rating
	}
	v += cfg.KindWeight * cfg.KindBase[string(r.Kind)]
	return store.Clamp01(v)
}

// Quality weighs content completeness and explicit rating (neutral 0.5 when
// unrated), less a penalty for placeholder content.
func Quality(cfg config.QualityConfig, r *store.Record) float64 {
	rating := 0.5
	if r.Rating != nil {
		rating = *r.Rating
	}
	v := cfg.CompletenessWeight*Completeness(cfg, r) + cfg.QualityRatingWeight*rating
	if IsPlaceholder(r.Content) {
		v -= cfg.PlaceholderPenalty
	}
	return store.Clamp01(v)
}

// Recency decays by half every HalfLife since the last access (or creation)
// and never drops below RecencyFloor.
func Recency(cfg config.QualityConfig, r *store.Record, now time.Time) float64 {
	last := r.CreatedAt
	if r.LastAccessedAt != nil && r.LastAccessedAt.After(last) {
		last = *r.LastAccessedAt
	}
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return 1
	}
	decay := math.Pow(0.5, float64(elapsed)/float64(cfg.HalfLife))
	return store.Clamp01(math.Max(cfg.RecencyFloor, decay))
}

// Compute returns all three scores for r.
func Compute(cfg config.QualityConfig, r *store.Record, relations int, now time.Time) store.Scores {
	return store.Scores{
		Importance: Importance(cfg, r, relations),
		Recency:    Recency(cfg, r, now),
		Quality:    Quality(cfg, r),
	}
}

var (
	fixRe       = regexp.MustCompile(`(?i)\b(fix(ed)?|solution|solved|resolved|workaround|root cause|the cause)\b`)
	rationaleRe = regexp.MustCompile(`(?i)\b(because|since|rationale|reason|trade-?offs?|instead of|chose|so that|in order to)\b`)
	usageRe     = regexp.MustCompile(`(?i)\b(use when|when to|usage|example|for example|e\.g\.|apply|prefer|avoid)\b`)
	linkRe      = regexp.MustCompile(`(?i)(https?://\S+|\b[\w\-.]+/[\w\-./]+|\b[\w\-]+\.(md|go|py|ts|js|yaml|yml|json|txt)\b|\bsee\s+\S+)`)
	placeholRe  = regexp.MustCompile(`(?i)\b(todo|tbd|fixme|lorem ipsum|placeholder|xxx+|coming soon|fill (this )?in)\b|\.\.\.\s*$`)
)

// Completeness scores minimum length (0.4), the kind-specific signal (0.4)
// and tags (0.2).
func Completeness(cfg config.QualityConfig, r *store.Record) float64 {
	content := strings.TrimSpace(r.Content)
	var v float64

	if cfg.MinContentLength <= 0 || len(content) >= cfg.MinContentLength {
		v += 0.4
	} else {
		v += 0.4 * float64(len(content)) / float64(cfg.MinContentLength)
	}

	v += 0.4 * kindSignal(cfg, r, content)

	if len(r.Tags) > 0 {
		v += 0.2
	}
	return store.Clamp01(v)
}

func kindSignal(cfg config.QualityConfig, r *store.Record, content string) float64 {
	switch r.Kind {
	case store.KindError:
		var v float64
		if r.Resolved {
			v += 0.5
		}
		if fixRe.MatchString(content) {
			v += 0.5
		}
		return v
	case store.KindDecision:
		return boolScore(rationaleRe.MatchString(content))
	case store.KindPattern:
		return boolScore(usageRe.MatchString(content))
	case store.KindReference:
		return boolScore(linkRe.MatchString(content))
	}
	// insight and context carry no required field; reward substance
	if len(content) >= 2*cfg.MinContentLength {
		return 1
	}
	return 0.5
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// IsPlaceholder reports low-information content: placeholder markers or
// fewer than three distinct words.
func IsPlaceholder(content string) bool {
	if placeholRe.MatchString(content) {
		return true
	}
	distinct := make(map[string]bool)
	for _, t := range embedding.Tokenize(content) {
		distinct[t] = true
	}
	return len(distinct) < 3
}
