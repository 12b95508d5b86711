package rules

import (
	"fmt"
	"sync"
)

// Ruleset couples a RuleStore with the catalog compiled from its active rules.
// Mutations compile the resulting catalog before touching the store, so a
// change that would break any formula is rejected and the store is left as is.
type Ruleset struct {
	ID    string
	store RuleStore
	cache CatalogCache
	mu    sync.Mutex
}

// NewRuleset loads and compiles the active rules of store.
func NewRuleset(id string, store RuleStore) (*Ruleset, error) {
	rs := &Ruleset{
		ID:    id,
		store: store,
		cache: NewInMemoryCatalogCache(DefaultCacheConfig()),
	}

	if _, err := rs.Catalog(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Catalog returns the compiled catalog, recompiling on a cache miss.
func (rs *Ruleset) Catalog() (*Catalog, error) {
	if c := rs.cache.Get(); c != nil {
		return c, nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.compileLocked()
}

func (rs *Ruleset) compileLocked() (*Catalog, error) {
	if c := rs.cache.Get(); c != nil {
		return c, nil
	}

	active, err := rs.store.ListActive()
	if err != nil {
		return nil, err
	}

	c, err := NewCatalog(active)
	if err != nil {
		return nil, fmt.Errorf("failed to compile ruleset %s: %w", rs.ID, err)
	}
	rs.cache.Set(c)
	return c, nil
}

// Store returns the underlying rule store.
func (rs *Ruleset) Store() RuleStore {
	return rs.store
}

// AddRule validates that the ruleset still compiles with r, then stores it.
// Returns the new catalog.
func (rs *Ruleset) AddRule(r *Rule) (*Catalog, error) {
	return rs.AddRules([]*Rule{r})
}

// AddRules adds several rules at once, so they may reference each other.
// The whole set is validated before any rule is stored.
func (rs *Ruleset) AddRules(defs []*Rule) (*Catalog, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	// Check if rules already exist before compiling
	for _, r := range defs {
		if _, err := rs.store.Get(r.ID); err == nil {
			return nil, fmt.Errorf("rule with ID %s: %w", r.ID, ErrRuleExists)
		}
	}

	active, err := rs.store.ListActive()
	if err != nil {
		return nil, err
	}
	for _, r := range defs {
		if r.Active {
			active = append(active, r)
		}
	}

	c, err := NewCatalog(active)
	if err != nil {
		return nil, fmt.Errorf("rule validation failed: %w", err)
	}

	for _, r := range defs {
		if err := rs.store.Add(r); err != nil {
			rs.cache.Invalidate()
			return nil, err
		}
	}

	rs.cache.Set(c)
	return c, nil
}

// UpdateRule validates that the ruleset still compiles with the new version
// of r, then stores it. Returns the new catalog.
func (rs *Ruleset) UpdateRule(r *Rule) (*Catalog, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	active, err := rs.store.ListActive()
	if err != nil {
		return nil, err
	}

	candidate := make([]*Rule, 0, len(active)+1)
	for _, existing := range active {
		if existing.ID != r.ID {
			candidate = append(candidate, existing)
		}
	}
	if r.Active {
		candidate = append(candidate, r)
	}

	c, err := NewCatalog(candidate)
	if err != nil {
		return nil, fmt.Errorf("rule validation failed: %w", err)
	}

	if err := rs.store.Update(r); err != nil {
		return nil, err
	}

	rs.cache.Set(c)
	return c, nil
}

// DeleteRule removes a rule unless other rules still reference it.
// Returns the new catalog.
func (rs *Ruleset) DeleteRule(id string) (*Catalog, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	active, err := rs.store.ListActive()
	if err != nil {
		return nil, err
	}

	candidate := make([]*Rule, 0, len(active))
	for _, existing := range active {
		if existing.ID != id {
			candidate = append(candidate, existing)
		}
	}

	c, err := NewCatalog(candidate)
	if err != nil {
		return nil, fmt.Errorf("cannot delete rule %s: %w", id, err)
	}

	if err := rs.store.Delete(id); err != nil {
		return nil, err
	}

	rs.cache.Set(c)
	return c, nil
}

// Reload drops the cached catalog and recompiles from the store.
func (rs *Ruleset) Reload() (*Catalog, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.cache.Invalidate()
	return rs.compileLocked()
}
