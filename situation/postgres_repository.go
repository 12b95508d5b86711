package situation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRepository implements Repository backed by PostgreSQL.
// Situations are stored as JSONB.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository on an open database
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Load(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	var data []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT session_id, ruleset_id, data, updated_at
		FROM situations
		WHERE session_id = $1
	`, sessionID).Scan(&rec.SessionID, &rec.RulesetID, &data, &rec.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load situation: %w", err)
	}

	if err := json.Unmarshal(data, &rec.Situation); err != nil {
		return nil, fmt.Errorf("invalid situation for session %s: %w", sessionID, err)
	}
	return &rec, nil
}

func (r *PostgresRepository) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec.Situation.Clone())
	if err != nil {
		return fmt.Errorf("failed to marshal situation: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO situations (session_id, ruleset_id, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id)
		DO UPDATE SET ruleset_id = EXCLUDED.ruleset_id, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, rec.SessionID, rec.RulesetID, data, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save situation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM situations WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete situation: %w", err)
	}
	return nil
}
