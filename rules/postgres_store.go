package rules

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db        *sql.DB
	rulesetID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific ruleset
func NewPostgresRuleStore(db *sql.DB, rulesetID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:        db,
		rulesetID: rulesetID,
	}
}

const ruleColumns = `id, ruleset_id, name, title, description, unit, formula, question,
	default_value, applicable_if, not_applicable_if, active, created_at, updated_at`

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(rule *Rule) error {
	// Check if rule already exists
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND ruleset_id = $2)
	`, rule.ID, s.rulesetID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now()
	rule.RulesetID = s.rulesetID
	rule.Name = Normalize(rule.Name)
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rule.ID, s.rulesetID, rule.Name, rule.Title, rule.Description, rule.Unit,
		rule.Formula, rule.Question, rule.Default, rule.ApplicableIf, rule.NotApplicableIf,
		rule.Active, rule.CreatedAt, rule.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND ruleset_id = $2
	`, id, s.rulesetID)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// ListActive returns all active rules of the ruleset
func (s *PostgresRuleStore) ListActive() ([]*Rule, error) {
	rows, err := s.db.Query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE ruleset_id = $1 AND active = true
		ORDER BY name ASC
	`, s.rulesetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(rule *Rule) error {
	// Check if rule exists
	existing, err := s.Get(rule.ID)
	if err != nil {
		return err
	}

	rule.RulesetID = s.rulesetID
	rule.Name = Normalize(rule.Name)
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, title = $2, description = $3, unit = $4, formula = $5,
			question = $6, default_value = $7, applicable_if = $8,
			not_applicable_if = $9, active = $10, updated_at = $11
		WHERE id = $12 AND ruleset_id = $13
	`, rule.Name, rule.Title, rule.Description, rule.Unit, rule.Formula,
		rule.Question, rule.Default, rule.ApplicableIf,
		rule.NotApplicableIf, rule.Active, rule.UpdatedAt, rule.ID, s.rulesetID)

	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND ruleset_id = $2
	`, id, s.rulesetID)

	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	err := row.Scan(
		&r.ID,
		&r.RulesetID,
		&r.Name,
		&r.Title,
		&r.Description,
		&r.Unit,
		&r.Formula,
		&r.Question,
		&r.Default,
		&r.ApplicableIf,
		&r.NotApplicableIf,
		&r.Active,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
