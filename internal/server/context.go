package server

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/lazypower/memcore/internal/store"
)

const maxContextItems = 15

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), maxContextItems)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.engine.DB.ListRecords(r.Context(), store.ListFilter{
		Project:         q.Get("project"),
		ExcludeArchived: true,
		ValidAt:         s.engine.Now(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": buildContext(recs, limit)})
}

// buildContext renders the strongest live records as markdown for
// injection into an agent prompt. Procedural records are listed first.
func buildContext(recs []store.Record, limit int) string {
	sort.SliceStable(recs, func(i, j int) bool {
		return contextScore(&recs[i]) > contextScore(&recs[j])
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	var procedures, memories []store.Record
	for _, rec := range recs {
		if rec.State == store.StateProcedural {
			procedures = append(procedures, rec)
		} else {
			memories = append(memories, rec)
		}
	}

	var b strings.Builder
	b.WriteString("<context>\n## memcore\n")
	if len(procedures) > 0 {
		b.WriteString("\n### Procedures\n")
		for _, rec := range procedures {
			fmt.Fprintf(&b, "- %s\n", firstLine(rec.Content))
		}
	}
	if len(memories) > 0 {
		b.WriteString("\n### Memories\n")
		for _, rec := range memories {
			fmt.Fprintf(&b, "- [%s] %s\n", rec.Kind, firstLine(rec.Content))
		}
	}
	b.WriteString("</context>")
	return b.String()
}

// contextScore weights importance and quality by a logarithmic access boost.
func contextScore(r *store.Record) float64 {
	accessBoost := 1.0
	if r.AccessCount > 0 {
		accessBoost += math.Log2(float64(r.AccessCount + 1))
	}
	return (r.Importance + r.Quality) / 2 * accessBoost
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(strings.TrimSpace(s), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
