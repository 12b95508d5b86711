package situation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRecordNotFound is returned by Repository.Load for an unknown session.
var ErrRecordNotFound = errors.New("situation record not found")

// Record is a persisted situation.
type Record struct {
	SessionID string
	RulesetID string
	Situation Situation
	UpdatedAt time.Time
}

// Repository persists situations outside the adapter. Stored answers are
// untrusted on the way back in: callers restore them through Store.Set.
type Repository interface {
	Load(ctx context.Context, sessionID string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, sessionID string) error
}

// InMemoryRepository implements Repository with a map.
type InMemoryRepository struct {
	records map[string]Record
	mu      sync.RWMutex
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{records: make(map[string]Record)}
}

func (r *InMemoryRepository) Load(ctx context.Context, sessionID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec.Situation = rec.Situation.Clone()
	return &rec, nil
}

func (r *InMemoryRepository) Save(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *rec
	stored.Situation = rec.Situation.Clone()
	stored.UpdatedAt = time.Now()
	r.records[rec.SessionID] = stored
	return nil
}

func (r *InMemoryRepository) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, sessionID)
	return nil
}
