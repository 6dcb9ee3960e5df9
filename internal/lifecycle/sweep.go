package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/store"
)

// SweepReport summarizes one promotion sweep.
type SweepReport struct {
	Healed         int `json:"healed"`
	Promoted       int `json:"promoted"`
	Proceduralized int `json:"proceduralized"`
	Conflicts      int `json:"conflicts"`
}

// Sweep heals pending audit events, then promotes episodic records that
// were accessed PromoteAccesses times or outlived PromoteAge, and moves
// semantic records of reusable kinds to procedural once they have been
// accessed ProceduralAccesses times since becoming semantic.
func (m *Manager) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	healed, err := m.Heal(ctx)
	rep.Healed = healed
	if err != nil {
		return rep, err
	}

	cfg := m.Config()
	recs, err := m.db.ListRecords(ctx, store.ListFilter{
		States: []store.State{store.StateEpisodic, store.StateSemantic},
		Order:  store.OrderIDAsc,
	})
	if err != nil {
		return rep, fmt.Errorf("lifecycle sweep: %w", err)
	}

	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		_, changed, err := m.transition(ctx, r.ID, m.promotion(cfg), ActorSystem, "")
		if err != nil {
			if errs.IsConflict(err) {
				rep.Conflicts++
				continue
			}
			if errs.IsNotFound(err) {
				continue
			}
			return rep, err
		}
		if !changed {
			continue
		}
		switch r.State {
		case store.StateEpisodic:
			rep.Promoted++
		case store.StateSemantic:
			rep.Proceduralized++
		}
	}

	m.logger.Debug("lifecycle sweep complete",
		zap.Int("healed", rep.Healed),
		zap.Int("promoted", rep.Promoted),
		zap.Int("proceduralized", rep.Proceduralized),
		zap.Int("conflicts", rep.Conflicts))
	return rep, nil
}

// promotion decides the automatic next state of a record, if any.
func (m *Manager) promotion(cfg config.LifecycleConfig) decideFunc {
	return func(r *store.Record) (store.State, string, bool) {
		switch r.State {
		case store.StateEpisodic:
			if r.AccessCount >= cfg.PromoteAccesses {
				return store.StateSemantic, fmt.Sprintf("accessed %d times", r.AccessCount), true
			}
			if age := m.now().Sub(r.CreatedAt); age >= cfg.PromoteAge {
				return store.StateSemantic, fmt.Sprintf("age %s exceeds %s", age.Round(time.Second), cfg.PromoteAge), true
			}
		case store.StateSemantic:
			if !slices.Contains(cfg.ReusableKinds, string(r.Kind)) {
				return "", "", false
			}
			if n := r.AccessesSinceStateEntry(); n >= cfg.ProceduralAccesses {
				return store.StateProcedural, fmt.Sprintf("reused %d times since semantic", n), true
			}
		}
		return "", "", false
	}
}

// Utility blends quality, importance, link count and recency into the
// archival score.
func Utility(cfg config.LifecycleConfig, r *store.Record, relations int) float64 {
	var sat float64
	if relations > 0 && cfg.RelationK > 0 {
		sat = float64(relations) / (float64(relations) + cfg.RelationK)
	}
	return store.Clamp01(0.4*r.Quality + 0.3*r.Importance + 0.15*sat + 0.15*r.Recency)
}

// Candidate is a record eligible for automatic archival.
type Candidate struct {
	Record  store.Record `json:"record"`
	Utility float64      `json:"utility"`
}

// ArchiveCandidates lists live records whose utility fell below
// ArchiveThreshold, lowest first. Protected and pinned records never
// qualify.
func (m *Manager) ArchiveCandidates(ctx context.Context) ([]Candidate, error) {
	cfg := m.Config()
	recs, err := m.db.ListRecords(ctx, store.ListFilter{ExcludeArchived: true, Order: store.OrderIDAsc})
	if err != nil {
		return nil, fmt.Errorf("archive candidates: %w", err)
	}
	var ids []string
	for i := range recs {
		if recs[i].IsProtected() || recs[i].Pinned {
			continue
		}
		ids = append(ids, recs[i].ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	counts, err := m.db.RelationCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("archive candidates relations: %w", err)
	}

	var out []Candidate
	for i := range recs {
		r := recs[i]
		if r.IsProtected() || r.Pinned {
			continue
		}
		if u := Utility(cfg, &r, counts[r.ID]); u < cfg.ArchiveThreshold {
			out = append(out, Candidate{Record: r, Utility: u})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Utility < out[j].Utility })
	return out, nil
}

// ArchiveSweep archives every current candidate and returns how many were
// archived.
func (m *Manager) ArchiveSweep(ctx context.Context) (int, error) {
	cands, err := m.ArchiveCandidates(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := m.Archive(ctx, c.Record.ID, ActorSystem, fmt.Sprintf("utility %.3f below threshold", c.Utility))
		if err != nil {
			if errs.IsConflict(err) || errs.IsNotFound(err) {
				continue
			}
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Stats is the lifecycle overview.
type Stats struct {
	Total             int                     `json:"total"`
	StateDistribution map[store.State]int     `json:"state_distribution"`
	TransitionFlow    map[string]int          `json:"transition_flow"`
	AvgTimeInState    map[store.State]float64 `json:"avg_time_in_state_hours"`
}

// Stats reports counts per state, transition counts keyed "from->to" and
// the mean hours current members have spent in each state.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		StateDistribution: make(map[store.State]int, len(store.States)),
		AvgTimeInState:    make(map[store.State]float64, len(store.States)),
	}
	for _, s := range store.States {
		st.StateDistribution[s] = 0
		st.AvgTimeInState[s] = 0
	}

	recs, err := m.db.ListRecords(ctx, store.ListFilter{})
	if err != nil {
		return st, fmt.Errorf("lifecycle stats: %w", err)
	}
	now := m.now()
	hours := make(map[store.State]float64)
	for _, r := range recs {
		st.StateDistribution[r.State]++
		if d := now.Sub(r.StateEnteredAt); d > 0 {
			hours[r.State] += d.Hours()
		}
	}
	for s, h := range hours {
		if n := st.StateDistribution[s]; n > 0 {
			st.AvgTimeInState[s] = h / float64(n)
		}
	}
	st.Total = len(recs)

	if st.TransitionFlow, err = m.db.TransitionFlow(ctx); err != nil {
		return st, fmt.Errorf("lifecycle stats: %w", err)
	}
	return st, nil
}
