package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages rule definition persistence and retrieval
type RuleStore interface {
	// Add a new rule
	Add(rule *Rule) error

	// Get a rule by ID
	Get(id string) (*Rule, error)

	// List all active rules, ordered by name
	ListActive() ([]*Rule, error)

	// Update an existing rule
	Update(rule *Rule) error

	// Delete a rule
	Delete(id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

// NewInMemoryRuleStoreWith creates an in-memory store holding defs as active rules.
// Rules without an ID get their normalized name as ID.
func NewInMemoryRuleStoreWith(defs []*Rule) (*InMemoryRuleStore, error) {
	s := NewInMemoryRuleStore()
	for _, d := range defs {
		r := *d
		if r.ID == "" {
			r.ID = Normalize(r.Name)
		}
		r.Active = true
		if err := s.Add(&r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add adds a new rule to the store.
// IDs and names are unique; timestamps are set by the store.
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}
	for _, existing := range s.rules {
		if Normalize(existing.Name) == Normalize(rule.Name) {
			return fmt.Errorf("rule named %q: %w", rule.Name, ErrRuleExists)
		}
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return rule, nil
}

// ListActive returns all active rules sorted by name
func (s *InMemoryRuleStore) ListActive() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Rule
	for _, rule := range s.rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return Normalize(active[i].Name) < Normalize(active[j].Name)
	})
	return active, nil
}

// Update updates an existing rule, preserving CreatedAt
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	// Preserve original CreatedAt timestamp
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	return nil
}
