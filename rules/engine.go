package rules

import (
	"fmt"
	"sync"
)

// Engine evaluates the rules of a catalog against the current situation.
// The catalog is immutable; the situation is replaced wholesale by
// SetSituation. Safe for concurrent use.
type Engine struct {
	catalog   *Catalog
	situation map[string]any
	mu        sync.RWMutex
}

// NewEngine creates an engine over a compiled catalog with an empty situation.
func NewEngine(catalog *Catalog) *Engine {
	return &Engine{
		catalog:   catalog,
		situation: map[string]any{},
	}
}

// NewEngineFromStore compiles all active rules of the store into a new engine.
func NewEngineFromStore(store RuleStore) (*Engine, error) {
	active, err := store.ListActive()
	if err != nil {
		return nil, err
	}

	catalog, err := NewCatalog(active)
	if err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return NewEngine(catalog), nil
}

// Catalog returns the catalog the engine evaluates.
func (en *Engine) Catalog() *Catalog {
	return en.catalog
}

// Has reports whether name is a rule of the catalog.
func (en *Engine) Has(name string) bool {
	return en.catalog.Has(name)
}

// SetSituation replaces the answers the engine evaluates against.
// Values are native Go values: float64, bool or string.
// Unknown rule names are rejected and leave the situation unchanged.
func (en *Engine) SetSituation(values map[string]any) error {
	next := make(map[string]any, len(values))
	for name, v := range values {
		if !en.catalog.Has(name) {
			return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
		}
		next[name] = v
	}

	en.mu.Lock()
	en.situation = next
	en.mu.Unlock()

	return nil
}

// Evaluate computes the value, applicability and missing variables of a rule.
// Every call starts from a fresh evaluation pass, so repeated calls with the
// same situation return identical results.
func (en *Engine) Evaluate(name string) (*EvaluatedNode, error) {
	en.mu.RLock()
	situation := en.situation
	en.mu.RUnlock()

	n, err := newEvaluation(en.catalog, situation).node(name)
	if err != nil {
		return nil, err
	}

	out := *n
	out.MissingVariables = append([]string{}, n.MissingVariables...)
	return &out, nil
}

// IsApplicable reports whether a rule is in scope given the current answers,
// independently of whether its value is absent.
func (en *Engine) IsApplicable(name string) (bool, error) {
	n, err := en.Evaluate(name)
	if err != nil {
		return false, err
	}
	return n.Applicable, nil
}
