package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRulesetNotFound is returned for an unknown ruleset ID.
var ErrRulesetNotFound = errors.New("ruleset not found")

// RulesetInfo describes a ruleset.
type RulesetInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RulesetRegistry lists rulesets and hands out the rule store of each.
type RulesetRegistry interface {
	Create(ctx context.Context, name string) (*RulesetInfo, error)
	Get(ctx context.Context, id string) (*RulesetInfo, error)
	List(ctx context.Context) ([]*RulesetInfo, error)
	Delete(ctx context.Context, id string) error

	// Store returns the rule store of a ruleset. It does not check that the
	// ruleset exists.
	Store(id string) RuleStore
}

// InMemoryRulesetRegistry implements RulesetRegistry with in-memory rule stores.
type InMemoryRulesetRegistry struct {
	rulesets map[string]*RulesetInfo
	stores   map[string]*InMemoryRuleStore
	mu       sync.RWMutex
}

// NewInMemoryRulesetRegistry creates an empty registry.
func NewInMemoryRulesetRegistry() *InMemoryRulesetRegistry {
	return &InMemoryRulesetRegistry{
		rulesets: make(map[string]*RulesetInfo),
		stores:   make(map[string]*InMemoryRuleStore),
	}
}

func (r *InMemoryRulesetRegistry) Create(ctx context.Context, name string) (*RulesetInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	info := &RulesetInfo{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.rulesets[info.ID] = info
	r.stores[info.ID] = NewInMemoryRuleStore()

	out := *info
	return &out, nil
}

func (r *InMemoryRulesetRegistry) Get(ctx context.Context, id string) (*RulesetInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.rulesets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRulesetNotFound, id)
	}
	out := *info
	return &out, nil
}

// List returns rulesets, newest first.
func (r *InMemoryRulesetRegistry) List(ctx context.Context) ([]*RulesetInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RulesetInfo, 0, len(r.rulesets))
	for _, info := range r.rulesets {
		cp := *info
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *InMemoryRulesetRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rulesets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRulesetNotFound, id)
	}
	delete(r.rulesets, id)
	delete(r.stores, id)
	return nil
}

func (r *InMemoryRulesetRegistry) Store(id string) RuleStore {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stores[id]
	if !ok {
		s = NewInMemoryRuleStore()
		r.stores[id] = s
	}
	return s
}

// PostgresRulesetRegistry implements RulesetRegistry on the rulesets table.
// Rules of a deleted ruleset are removed by cascade.
type PostgresRulesetRegistry struct {
	db *sql.DB
}

// NewPostgresRulesetRegistry creates a registry on an open database.
func NewPostgresRulesetRegistry(db *sql.DB) *PostgresRulesetRegistry {
	return &PostgresRulesetRegistry{db: db}
}

func (r *PostgresRulesetRegistry) Create(ctx context.Context, name string) (*RulesetInfo, error) {
	info := &RulesetInfo{ID: uuid.NewString(), Name: name}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO rulesets (id, name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING created_at, updated_at
	`, info.ID, name).Scan(&info.CreatedAt, &info.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create ruleset: %w", err)
	}
	return info, nil
}

func (r *PostgresRulesetRegistry) Get(ctx context.Context, id string) (*RulesetInfo, error) {
	// Ruleset IDs are UUIDs; anything else cannot exist.
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRulesetNotFound, id)
	}

	var info RulesetInfo
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at
		FROM rulesets
		WHERE id = $1
	`, id).Scan(&info.ID, &info.Name, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRulesetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ruleset: %w", err)
	}
	return &info, nil
}

// List returns rulesets, newest first.
func (r *PostgresRulesetRegistry) List(ctx context.Context) ([]*RulesetInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at
		FROM rulesets
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rulesets: %w", err)
	}
	defer rows.Close()

	out := []*RulesetInfo{}
	for rows.Next() {
		var info RulesetInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ruleset: %w", err)
		}
		out = append(out, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rulesets: %w", err)
	}
	return out, nil
}

func (r *PostgresRulesetRegistry) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrRulesetNotFound, id)
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM rulesets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ruleset: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRulesetNotFound, id)
	}
	return nil
}

func (r *PostgresRulesetRegistry) Store(id string) RuleStore {
	return NewPostgresRuleStore(r.db, id)
}
