package situation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteRepository implements Repository on a local SQLite file.
// It backs headless use, where the situation lives next to the rules file.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens the database at path. The schema must already exist
// (see migrations.UpSQLite).
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite supports a single writer
	db.SetMaxOpenConns(1)

	return &SQLiteRepository{db: db}, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Load(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	var data string
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, `
		SELECT session_id, ruleset_id, data, updated_at
		FROM situations
		WHERE session_id = ?
	`, sessionID).Scan(&rec.SessionID, &rec.RulesetID, &data, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading situation: %w", err)
	}

	if err := json.Unmarshal([]byte(data), &rec.Situation); err != nil {
		return nil, fmt.Errorf("decoding situation for session %s: %w", sessionID, err)
	}
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec.Situation.Clone())
	if err != nil {
		return fmt.Errorf("encoding situation: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO situations (session_id, ruleset_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id)
		DO UPDATE SET ruleset_id = excluded.ruleset_id, data = excluded.data, updated_at = excluded.updated_at
	`, rec.SessionID, rec.RulesetID, string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("saving situation: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM situations WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting situation: %w", err)
	}
	return nil
}
