// Package lifecycle advances records through episodic, semantic and
// procedural states and archives them. Every transition appends an audit
// event before the state is written; the per-record audit sequence is the
// compare-and-set that serializes competing writers.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/observability"
	"github.com/lazypower/memcore/internal/store"
)

// ActorSystem is recorded for automatic transitions.
const ActorSystem = "system"

// Manager owns lifecycle state writes.
type Manager struct {
	mu  sync.RWMutex
	cfg config.LifecycleConfig

	db      *store.DB
	logger  *zap.Logger
	metrics *observability.Collector
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(c *observability.Collector) Option { return func(m *Manager) { m.metrics = c } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New creates a manager over db.
func New(cfg config.LifecycleConfig, db *store.DB, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, db: db, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observability.NewCollector("memcore")
	}
	return m
}

// Reload swaps in new thresholds.
func (m *Manager) Reload(cfg config.LifecycleConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config returns the current settings.
func (m *Manager) Config() config.LifecycleConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Transition forces a record into state to. Actor and reason are required
// and recorded. Moving a record to the state it is already in is a no-op.
func (m *Manager) Transition(ctx context.Context, id string, to store.State, actor, reason string) (*store.Record, error) {
	if !to.Valid() {
		return nil, errs.Validation("set_lifecycle_state", "invalid state %q", to)
	}
	if actor == "" || reason == "" {
		return nil, errs.Validation("set_lifecycle_state", "actor and reason are required")
	}
	rec, _, err := m.transition(ctx, id, func(*store.Record) (store.State, string, bool) {
		return to, "", true
	}, actor, reason)
	return rec, err
}

// Undo reverts the record's most recent transition by replaying that
// event's from state as a new event.
func (m *Manager) Undo(ctx context.Context, id, actor string) (*store.Record, error) {
	if actor == "" {
		return nil, errs.Validation("undo_last_change", "actor is required")
	}
	cfg := m.Config()
	for attempt := 0; ; attempt++ {
		rec, err := m.db.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		last, err := m.db.LastAudit(ctx, id)
		if err != nil {
			return nil, err
		}
		if last == nil {
			return nil, errs.Validation("undo_last_change", "record %s has no state changes to undo", id)
		}
		err = m.apply(ctx, rec, last.From, actor, "undo "+last.ID, last.ID, last.Seq)
		if err == nil {
			return m.db.GetRecord(ctx, id)
		}
		if !errs.IsConflict(err) || attempt+1 >= cfg.MaxRetries {
			return nil, err
		}
		m.metrics.Conflicts.WithLabelValues("undo").Inc()
	}
}

// History returns a record's audit events, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]store.AuditEvent, error) {
	return m.db.History(ctx, id)
}

// Archive moves a record to archived. Archiving an archived record is a
// no-op and returns false.
func (m *Manager) Archive(ctx context.Context, id, actor, reason string) (bool, error) {
	_, changed, err := m.transition(ctx, id, func(r *store.Record) (store.State, string, bool) {
		return store.StateArchived, "", r.State != store.StateArchived
	}, actor, reason)
	if err != nil {
		return false, err
	}
	if changed {
		m.metrics.Archived.Inc()
	}
	return changed, nil
}

// decideFunc inspects a fresh copy of the record and returns the target
// state, an optional reason override, and whether to transition at all.
type decideFunc func(*store.Record) (to store.State, reason string, ok bool)

// transition re-reads the record on every attempt, so a retry after a lost
// race decides against the refreshed state.
func (m *Manager) transition(ctx context.Context, id string, decide decideFunc, actor, reason string) (*store.Record, bool, error) {
	cfg := m.Config()
	for attempt := 0; ; attempt++ {
		rec, err := m.db.GetRecord(ctx, id)
		if err != nil {
			return nil, false, err
		}
		to, why, ok := decide(rec)
		if !ok || to == rec.State {
			return rec, false, nil
		}
		if why != "" {
			reason = why
		}

		last, err := m.db.LastAudit(ctx, id)
		if err != nil {
			return nil, false, err
		}
		seq := 0
		if last != nil {
			seq = last.Seq
		}

		err = m.apply(ctx, rec, to, actor, reason, "", seq)
		if err == nil {
			rec, err = m.db.GetRecord(ctx, id)
			return rec, err == nil, err
		}
		if !errs.IsConflict(err) || attempt+1 >= cfg.MaxRetries {
			return nil, false, err
		}
		m.metrics.Conflicts.WithLabelValues("transition").Inc()
	}
}

// apply appends the event at lastSeq+1 and then writes the state. If the
// record's state disagrees with its newest event, the pending event is
// healed first and Conflict is returned so the caller re-reads.
func (m *Manager) apply(ctx context.Context, rec *store.Record, to store.State, actor, reason, undoOf string, lastSeq int) error {
	last, err := m.db.LastAudit(ctx, rec.ID)
	if err != nil {
		return err
	}
	if last != nil && (last.Seq != lastSeq || last.To != rec.State) {
		if last.To != rec.State {
			if err := m.healOne(ctx, *last); err != nil {
				return err
			}
		}
		return errs.Conflict("transition", "record %s changed underneath", rec.ID)
	}

	now := m.now()
	ev := &store.AuditEvent{
		RecordID:  rec.ID,
		Seq:       lastSeq + 1,
		From:      rec.State,
		To:        to,
		Actor:     actor,
		Reason:    reason,
		UndoOf:    undoOf,
		CreatedAt: now,
	}
	if err := m.db.AppendAudit(ctx, ev); err != nil {
		return err
	}
	if err := m.db.ApplyState(ctx, rec.ID, rec.State, to, now); err != nil {
		// The event stands; the next heal applies it.
		m.logger.Warn("state write after audit failed",
			zap.String("id", rec.ID), zap.String("to", string(to)), zap.Error(err))
		return err
	}
	m.metrics.Transitions.WithLabelValues(string(rec.State), string(to)).Inc()
	m.logger.Debug("lifecycle transition",
		zap.String("id", rec.ID),
		zap.String("from", string(rec.State)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
		zap.String("reason", reason),
	)
	return nil
}

func (m *Manager) healOne(ctx context.Context, ev store.AuditEvent) error {
	rec, err := m.db.GetRecord(ctx, ev.RecordID)
	if err != nil {
		return err
	}
	if rec.State == ev.To {
		return nil
	}
	if err := m.db.ApplyState(ctx, rec.ID, rec.State, ev.To, ev.CreatedAt); err != nil {
		return err
	}
	m.logger.Info("healed lifecycle state from audit log",
		zap.String("id", rec.ID), zap.String("state", string(ev.To)), zap.String("event", ev.ID))
	return nil
}

// Heal re-derives state from the newest audit event for every record whose
// stored state disagrees with it. Returns the number of records repaired.
func (m *Manager) Heal(ctx context.Context) (int, error) {
	pending, err := m.db.PendingAudit(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := m.healOne(ctx, ev); err != nil {
			if errs.IsConflict(err) {
				continue
			}
			return n, fmt.Errorf("heal %s: %w", ev.RecordID, err)
		}
		n++
	}
	return n, nil
}
