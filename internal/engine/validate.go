package engine

import (
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/store"
)

// Content size limits (approximate token → char conversion: 1 token ≈ 4 chars).
const (
	maxContentChars = 12000 // ~3K tokens
	minContentChars = 3
	maxTags         = 32
)

// MemoryInput is a new record as submitted by a client.
type MemoryInput struct {
	Content   string           `json:"content" validate:"required"`
	Kind      store.Kind       `json:"kind" validate:"required"`
	Tags      []string         `json:"tags,omitempty"`
	Project   string           `json:"project,omitempty"`
	Pinned    bool             `json:"pinned,omitempty"`
	Resolved  bool             `json:"resolved,omitempty"`
	Relations []store.Relation `json:"relations,omitempty"`
}

// validTagChar returns true if the character is allowed in a tag.
// Allowed: lowercase alphanumeric, hyphens, underscores.
func validTagChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// sanitizeTag normalizes a tag to [a-z0-9_-].
// Uppercases become lowercase, spaces/dots/slashes become hyphens, invalid chars are dropped.
func sanitizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(tag) {
		if validTagChar(r) {
			b.WriteRune(r)
			prevHyphen = (r == '-')
		} else if r == ' ' || r == '.' || r == '/' {
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-_")
}

// record validates the input and returns a sanitized record ready to store.
func (in MemoryInput) record(logger *zap.Logger) (*store.Record, error) {
	if !in.Kind.Valid() {
		return nil, errs.Validation("create_memory", "invalid kind %q", in.Kind)
	}

	content := strings.TrimSpace(in.Content)
	if len(content) < minContentChars {
		return nil, errs.Validation("create_memory", "content too short (%d chars, min %d)", len(content), minContentChars)
	}
	if len(content) > maxContentChars {
		logger.Info("truncating content", zap.Int("from", len(content)), zap.Int("to", maxContentChars))
		content = truncateClean(content, maxContentChars)
	}

	seen := make(map[string]bool, len(in.Tags))
	tags := make([]string, 0, len(in.Tags))
	for _, t := range in.Tags {
		t = sanitizeTag(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	if len(tags) > maxTags {
		return nil, errs.Validation("create_memory", "too many tags (%d, max %d)", len(tags), maxTags)
	}

	rels := make([]store.Relation, 0, len(in.Relations))
	for _, r := range in.Relations {
		if r.TargetID == "" {
			return nil, errs.Validation("create_memory", "relation target is required")
		}
		if r.Type == "" {
			r.Type = store.RelRelated
		}
		if r.Weight <= 0 {
			r.Weight = 1
		}
		rels = append(rels, r)
	}

	return &store.Record{
		Content:   content,
		Kind:      in.Kind,
		Tags:      tags,
		Project:   strings.TrimSpace(in.Project),
		Pinned:    in.Pinned,
		Resolved:  in.Resolved,
		Relations: rels,
	}, nil
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	// Back up to last space
	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
