package situation

import (
	"fmt"
	"sync"

	"github.com/liamcoop/rulesadapter/internal/logger"
	"github.com/liamcoop/rulesadapter/internal/metrics"
)

// Engine is the rule engine a Store writes accepted situations through.
type Engine interface {
	Catalog
	SetSituation(values map[string]any) error
}

// SetOptions controls how Store.Set combines a candidate with the current
// situation.
type SetOptions struct {
	// KeepPreviousSituation merges the candidate over the current snapshot
	// instead of replacing it.
	KeepPreviousSituation bool
}

// Store owns the current situation and gates every write through Filter.
// Safe for concurrent use; readers always observe a fully validated snapshot.
type Store struct {
	engine   Engine
	current  Situation
	onChange func()
	mu       sync.RWMutex
}

// NewStore creates a store with an empty situation.
func NewStore(engine Engine) *Store {
	return &Store{
		engine:  engine,
		current: Situation{},
	}
}

// OnChange registers fn to be called once after every accepted Set.
// fn runs outside the store lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Get returns a copy of the current situation.
func (s *Store) Get() Situation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Set filters candidate, commits the result as the new situation and forwards
// it to the engine. Dropped entries are logged and returned; they never fail
// the call. The change hook fires exactly once per accepted call, even when
// nothing survives the filter.
func (s *Store) Set(candidate Situation, opts SetOptions) (Situation, []Rejection, error) {
	return s.commit(nil, candidate, opts)
}

// commit filters candidate against engine, or the current engine when nil.
// The store only switches to engine once it accepted the situation.
func (s *Store) commit(engine Engine, candidate Situation, opts SetOptions) (Situation, []Rejection, error) {
	s.mu.Lock()

	if engine == nil {
		engine = s.engine
	}

	merged := Situation{}
	if opts.KeepPreviousSituation {
		merged = s.current.Clone()
	}
	for name, v := range candidate {
		merged[name] = v
	}

	next, rejected := Filter(engine, merged)
	if err := engine.SetSituation(next.Native()); err != nil {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("failed to forward situation: %w", err)
	}
	s.engine = engine
	s.current = next
	onChange := s.onChange
	s.mu.Unlock()

	for _, r := range rejected {
		metrics.RejectedEntries.WithLabelValues(string(r.Reason)).Inc()
		logger.Warn("dropped situation entry",
			"rule", r.Rule,
			"value", r.Value.String(),
			"reason", string(r.Reason),
		)
	}
	metrics.SituationUpdates.Inc()

	if onChange != nil {
		onChange()
	}

	return next.Clone(), rejected, nil
}

// Rebind re-filters the current situation against a new engine and points
// the store at it. When the engine refuses the situation the store keeps the
// previous engine and situation. Used when the rules change under a live
// situation.
func (s *Store) Rebind(engine Engine) (Situation, []Rejection, error) {
	return s.commit(engine, nil, SetOptions{KeepPreviousSituation: true})
}
