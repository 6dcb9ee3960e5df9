package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/memcore/internal/consolidation"
	"github.com/lazypower/memcore/internal/engine"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/router"
	"github.com/lazypower/memcore/internal/store"
	"github.com/lazypower/memcore/internal/temporal"
)

const searchTimeout = 60 * time.Second

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filters, err := filtersFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()

	resp, err := s.engine.Search(ctx, engine.SearchRequest{Query: q.Get("q"), Filters: filters, Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":            q.Get("q"),
		"intent":           resp.Plan.Intent,
		"strategy":         resp.Plan.Strategy,
		"count":            len(resp.Results),
		"results":          resp.Results,
		"degraded":         resp.Degraded,
		"degraded_sources": resp.DegradedSources,
		"cached":           resp.Cached,
	})
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var in engine.MemoryInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.engine.CreateMemory(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetMemory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Access(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSetLifecycle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State  store.State `json:"state" validate:"required"`
		Actor  string      `json:"actor" validate:"required"`
		Reason string      `json:"reason" validate:"required"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.engine.SetLifecycleState(r.Context(), chi.URLParam(r, "id"), req.State, req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.StateHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = "api"
	}
	rec, err := s.engine.UndoLastChange(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLifecycleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.LifecycleStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunConsolidation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OlderThanDays int  `json:"older_than_days" validate:"gte=0"`
		DryRun        bool `json:"dry_run"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	rep, err := s.engine.RunConsolidation(r.Context(), consolidation.Options{
		OlderThanDays: req.OlderThanDays,
		DryRun:        req.DryRun,
	})
	if errs.IsAborted(err) && rep != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "report": rep})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handlePreviewConsolidation(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("older_than_days"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.PreviewConsolidation(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleQualityStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.QualityStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating   int    `json:"rating" validate:"required,min=1,max=5"`
		Feedback string `json:"feedback"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	score, err := s.engine.RateMemory(r.Context(), chi.URLParam(r, "id"), req.Rating, req.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quality_score": score})
}

func (s *Server) handleValidAt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	at, err := timeParam("t", q.Get("t"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := temporal.Filter{Project: q.Get("project"), Kinds: kindsParam(q["kind"])}
	recs, err := s.engine.ValidAt(r.Context(), at, f, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"t": at, "count": len(recs), "records": recs})
}

func (s *Server) handleObsolete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		End *time.Time `json:"end"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	end, err := s.engine.MarkObsolete(r.Context(), chi.URLParam(r, "id"), req.End)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid_to": end})
}

func (s *Server) handleRelatedAt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	at, err := timeParam("t", q.Get("t"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hops, err := intParam(q.Get("hops"), 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rels, err := s.engine.RelatedAt(r.Context(), chi.URLParam(r, "id"), at, hops, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(rels), "related": rels})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CacheStats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.engine.ClearCache()})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RunJob(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": chi.URLParam(r, "name"), "result": res})
}

// filtersFromQuery reads search filters from URL parameters. kind and tag
// may repeat or hold comma-separated values.
func filtersFromQuery(r *http.Request) (router.Filters, error) {
	q := r.URL.Query()
	f := router.Filters{
		Project: q.Get("project"),
		Kinds:   kindsParam(q["kind"]),
		Tags:    splitParam(q["tag"]),
	}
	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = timeParam("from", v); err != nil {
			return f, err
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = timeParam("to", v); err != nil {
			return f, err
		}
	}
	f.IncludeArchived, _ = strconv.ParseBool(q.Get("include_archived"))
	f.IncludeObsolete, _ = strconv.ParseBool(q.Get("include_obsolete"))
	return f, nil
}

func splitParam(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func kindsParam(vals []string) []store.Kind {
	parts := splitParam(vals)
	if len(parts) == 0 {
		return nil
	}
	kinds := make([]store.Kind, len(parts))
	for i, p := range parts {
		kinds[i] = store.Kind(p)
	}
	return kinds
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Validation("parse", "%q is not an integer", v)
	}
	return n, nil
}

// timeParam accepts RFC 3339 timestamps or plain dates.
func timeParam(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errs.Validation("parse", "%s is required", name)
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, errs.Validation("parse", "%s: %q is not an RFC 3339 time or date", name, v)
}
