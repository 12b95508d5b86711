// Package sessions hosts one adapter per user session, grouped by ruleset.
//
// Rulesets are compiled once and shared by their sessions. Rule changes are
// validated against the whole ruleset, then every open session of that
// ruleset is rebound so stale answers are dropped and persisted away.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/rulesadapter/adapter"
	"github.com/liamcoop/rulesadapter/evaluation"
	"github.com/liamcoop/rulesadapter/internal/logger"
	"github.com/liamcoop/rulesadapter/notify"
	"github.com/liamcoop/rulesadapter/rules"
	"github.com/liamcoop/rulesadapter/situation"
)

var (
	// ErrSessionNotFound is returned for a session that is not open.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRulesetNotFound is returned by a StoreFactory for an unknown ruleset.
	ErrRulesetNotFound = rules.ErrRulesetNotFound
)

// StoreFactory returns the rule store backing a ruleset. It returns an error
// wrapping ErrRulesetNotFound when the ruleset does not exist.
type StoreFactory func(ctx context.Context, rulesetID string) (rules.RuleStore, error)

// RegistryStores returns a StoreFactory serving the rulesets of reg.
func RegistryStores(reg rules.RulesetRegistry) StoreFactory {
	return func(ctx context.Context, rulesetID string) (rules.RuleStore, error) {
		if _, err := reg.Get(ctx, rulesetID); err != nil {
			return nil, err
		}
		return reg.Store(rulesetID), nil
	}
}

// Session is an open adapter bound to a ruleset.
type Session struct {
	ID        string
	RulesetID string
	Adapter   *adapter.Adapter

	// writes serialises situation changes with their persistence, so the
	// stored situation always matches the live one.
	writes sync.Mutex
}

// Manager manages rulesets and sessions.
type Manager struct {
	stores   StoreFactory
	repo     situation.Repository
	rulesets map[string]*rules.Ruleset
	sessions map[string]*Session
	loads    singleflight.Group
	mu       sync.RWMutex
}

// NewManager creates a manager. repo persists accepted situations; pass a
// situation.InMemoryRepository when nothing should outlive the process.
func NewManager(stores StoreFactory, repo situation.Repository) *Manager {
	return &Manager{
		stores:   stores,
		repo:     repo,
		rulesets: make(map[string]*rules.Ruleset),
		sessions: make(map[string]*Session),
	}
}

// Ruleset returns the compiled ruleset, loading it on first use. Concurrent
// first loads of the same ruleset share one compilation.
func (m *Manager) Ruleset(ctx context.Context, rulesetID string) (*rules.Ruleset, error) {
	m.mu.RLock()
	rs, ok := m.rulesets[rulesetID]
	m.mu.RUnlock()
	if ok {
		return rs, nil
	}

	v, err, _ := m.loads.Do(rulesetID, func() (any, error) {
		m.mu.RLock()
		rs, ok := m.rulesets[rulesetID]
		m.mu.RUnlock()
		if ok {
			return rs, nil
		}

		store, err := m.stores(ctx, rulesetID)
		if err != nil {
			return nil, err
		}
		rs, err = rules.NewRuleset(rulesetID, store)
		if err != nil {
			return nil, err
		}
		catalog, err := rs.Catalog()
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.rulesets[rulesetID] = rs
		m.mu.Unlock()

		logger.Info("loaded ruleset", "ruleset_id", rulesetID, "rules", catalog.Len())
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rules.Ruleset), nil
}

// Rulesets returns the IDs of loaded rulesets, sorted.
func (m *Manager) Rulesets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.rulesets))
	for id := range m.rulesets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UnloadRuleset forgets a loaded ruleset and closes its sessions. Persisted
// situations are kept.
func (m *Manager) UnloadRuleset(rulesetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rulesets, rulesetID)
	for id, s := range m.sessions {
		if s.RulesetID == rulesetID {
			s.Adapter.Attach(nil)
			delete(m.sessions, id)
		}
	}
}

// OpenSession opens a session over a ruleset. An empty sessionID gets a new
// one. A persisted situation for the session is restored through the filter,
// so answers the ruleset no longer accepts are dropped. Opening an already
// open session returns it.
func (m *Manager) OpenSession(ctx context.Context, rulesetID, sessionID string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.RLock()
	existing, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		if existing.RulesetID != rulesetID {
			return nil, fmt.Errorf("session %s is bound to ruleset %s", sessionID, existing.RulesetID)
		}
		return existing, nil
	}

	rs, err := m.Ruleset(ctx, rulesetID)
	if err != nil {
		return nil, err
	}
	catalog, err := rs.Catalog()
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:        sessionID,
		RulesetID: rulesetID,
		Adapter:   adapter.New(catalog),
	}

	rec, err := m.repo.Load(ctx, sessionID)
	switch {
	case err == nil && rec.RulesetID == rulesetID:
		if _, _, err := s.Adapter.SetSituation(rec.Situation, situation.SetOptions{}); err != nil {
			return nil, fmt.Errorf("failed to restore situation: %w", err)
		}
	case err == nil:
		logger.Warn("ignoring situation saved for another ruleset",
			"session_id", sessionID,
			"ruleset_id", rulesetID,
			"saved_ruleset_id", rec.RulesetID,
		)
	case !errors.Is(err, situation.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to load situation: %w", err)
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	logger.Info("opened session", "session_id", sessionID, "ruleset_id", rulesetID)
	return s, nil
}

// Session returns an open session.
func (m *Manager) Session(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// Sessions returns the IDs of open sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseSession detaches and forgets a session. With forget, its persisted
// situation is deleted too.
func (m *Manager) CloseSession(ctx context.Context, sessionID string, forget bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.Adapter.Attach(nil)

	if forget {
		if err := m.repo.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to delete situation: %w", err)
		}
	}
	logger.Info("closed session", "session_id", sessionID, "forget", forget)
	return nil
}

// Attach connects a notification channel to a session.
func (m *Manager) Attach(sessionID string, ch notify.Channel) error {
	s, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	s.Adapter.Attach(ch)
	return nil
}

// Detach disconnects ch from a session unless another channel replaced it.
func (m *Manager) Detach(sessionID string, ch notify.Channel) error {
	s, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	s.Adapter.Detach(ch)
	return nil
}

// SetSituation updates a session situation and persists the accepted result.
func (m *Manager) SetSituation(ctx context.Context, sessionID string, candidate situation.Situation, opts situation.SetOptions) (situation.Situation, []situation.Rejection, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, nil, err
	}

	s.writes.Lock()
	defer s.writes.Unlock()

	accepted, rejected, err := s.Adapter.SetSituation(candidate, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := m.persist(ctx, s, accepted); err != nil {
		return nil, nil, err
	}
	return accepted, rejected, nil
}

// UpdateAnswer sets one answer and persists the accepted result.
func (m *Manager) UpdateAnswer(ctx context.Context, sessionID, name string, v situation.Value) (situation.Situation, []situation.Rejection, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, nil, err
	}

	s.writes.Lock()
	defer s.writes.Unlock()

	accepted, rejected, err := s.Adapter.UpdateAnswer(name, v)
	if err != nil {
		return nil, nil, err
	}
	if err := m.persist(ctx, s, accepted); err != nil {
		return nil, nil, err
	}
	return accepted, rejected, nil
}

// Evaluate runs a batch evaluation in a session.
func (m *Manager) Evaluate(sessionID string, names []string) (evaluation.BatchResult, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Adapter.EvaluateMany(names)
}

// AddRule adds a rule to a ruleset. The rule gets a new ID when it has none.
func (m *Manager) AddRule(ctx context.Context, rulesetID string, r *rules.Rule) error {
	rs, err := m.Ruleset(ctx, rulesetID)
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.RulesetID = rulesetID

	catalog, err := rs.AddRule(r)
	if err != nil {
		return err
	}
	return m.rebind(ctx, rulesetID, catalog)
}

// ImportRules adds a batch of rules that may reference each other. Nothing
// is stored unless the whole batch compiles with the ruleset.
func (m *Manager) ImportRules(ctx context.Context, rulesetID string, defs []*rules.Rule) error {
	rs, err := m.Ruleset(ctx, rulesetID)
	if err != nil {
		return err
	}
	for _, r := range defs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.RulesetID = rulesetID
	}

	catalog, err := rs.AddRules(defs)
	if err != nil {
		return err
	}
	logger.Info("imported rules", "ruleset_id", rulesetID, "count", len(defs))
	return m.rebind(ctx, rulesetID, catalog)
}

// UpdateRule replaces a rule of a ruleset.
func (m *Manager) UpdateRule(ctx context.Context, rulesetID string, r *rules.Rule) error {
	rs, err := m.Ruleset(ctx, rulesetID)
	if err != nil {
		return err
	}
	r.RulesetID = rulesetID

	catalog, err := rs.UpdateRule(r)
	if err != nil {
		return err
	}
	return m.rebind(ctx, rulesetID, catalog)
}

// DeleteRule removes a rule from a ruleset.
func (m *Manager) DeleteRule(ctx context.Context, rulesetID, ruleID string) error {
	rs, err := m.Ruleset(ctx, rulesetID)
	if err != nil {
		return err
	}

	catalog, err := rs.DeleteRule(ruleID)
	if err != nil {
		return err
	}
	return m.rebind(ctx, rulesetID, catalog)
}

// rebind moves every open session of a ruleset onto catalog.
func (m *Manager) rebind(ctx context.Context, rulesetID string, catalog *rules.Catalog) error {
	m.mu.RLock()
	var open []*Session
	for _, s := range m.sessions {
		if s.RulesetID == rulesetID {
			open = append(open, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range open {
		if err := m.rebindSession(ctx, s, catalog); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) rebindSession(ctx context.Context, s *Session, catalog *rules.Catalog) error {
	s.writes.Lock()
	defer s.writes.Unlock()

	accepted, rejected, err := s.Adapter.Rebind(catalog)
	if err != nil {
		return fmt.Errorf("failed to rebind session %s: %w", s.ID, err)
	}
	if len(rejected) > 0 {
		logger.Info("rule change dropped answers",
			"session_id", s.ID,
			"ruleset_id", s.RulesetID,
			"dropped", len(rejected),
		)
	}
	return m.persist(ctx, s, accepted)
}

func (m *Manager) persist(ctx context.Context, s *Session, accepted situation.Situation) error {
	err := m.repo.Save(ctx, &situation.Record{
		SessionID: s.ID,
		RulesetID: s.RulesetID,
		Situation: accepted,
	})
	if err != nil {
		return fmt.Errorf("failed to persist situation for session %s: %w", s.ID, err)
	}
	return nil
}
