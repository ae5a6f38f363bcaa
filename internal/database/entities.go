package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RWTH-EBC/PHOENAIX/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// EntitySchema creates the entity table.
const EntitySchema = `
CREATE TABLE IF NOT EXISTS entities (
    id    TEXT PRIMARY KEY,
    type  TEXT NOT NULL,
    attrs JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS entities_type_idx ON entities (type);
`

// Querier is the subset of pgxpool.Pool used by EntityStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EntityStore is a store.Store over a PostgreSQL table with one JSONB
// column holding the attributes.
type EntityStore struct {
	db Querier
}

var _ store.Store = (*EntityStore)(nil)

// NewEntityStore wraps a pool.
func NewEntityStore(db Querier) *EntityStore {
	return &EntityStore{db: db}
}

// EnsureSchema creates the entity table if it does not exist.
func (s *EntityStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, EntitySchema); err != nil {
		return fmt.Errorf("create entity schema: %w", err)
	}
	return nil
}

func decodeAttrs(raw []byte) (map[string]store.Attribute, error) {
	attrs := make(map[string]store.Attribute)
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("decode attrs: %w", err)
	}
	return attrs, nil
}

func (s *EntityStore) Get(ctx context.Context, id string) (store.Entity, error) {
	var (
		typ string
		raw []byte
	)
	err := s.db.QueryRow(ctx, `SELECT type, attrs FROM entities WHERE id = $1`, id).Scan(&typ, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Entity{}, fmt.Errorf("get %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Entity{}, fmt.Errorf("get %s: %w", id, err)
	}
	attrs, err := decodeAttrs(raw)
	if err != nil {
		return store.Entity{}, fmt.Errorf("get %s: %w", id, err)
	}
	return store.Entity{ID: id, Type: typ, Attrs: attrs}, nil
}

func (s *EntityStore) ListByType(ctx context.Context, entityType string) ([]store.Entity, error) {
	rows, err := s.db.Query(ctx, `SELECT id, attrs FROM entities WHERE type = $1 ORDER BY id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}
	defer rows.Close()

	var out []store.Entity
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("list %s: scan: %w", entityType, err)
		}
		attrs, err := decodeAttrs(raw)
		if err != nil {
			return nil, fmt.Errorf("list %s: %s: %w", entityType, id, err)
		}
		out = append(out, store.Entity{ID: id, Type: entityType, Attrs: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}
	return out, nil
}

func (s *EntityStore) UpdateAttribute(ctx context.Context, id, name string, attr store.Attribute) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("update %s.%s: %w", id, name, err)
	}
	if err := store.CheckUpdate(existing, name, attr); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}

	data, err := json.Marshal(attr)
	if err != nil {
		return fmt.Errorf("update %s.%s: %w", id, name, err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE entities SET attrs = jsonb_set(attrs, ARRAY[$2::text], $3::jsonb, true) WHERE id = $1`,
		id, name, string(data))
	if err != nil {
		return fmt.Errorf("update %s.%s: %w", id, name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s.%s: %w", id, name, store.ErrNotFound)
	}
	return nil
}

func (s *EntityStore) DeleteEntities(ctx context.Context, entities []store.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM entities WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete %d entities: %w", len(ids), err)
	}
	return nil
}

func (s *EntityStore) CreateEntity(ctx context.Context, e store.Entity) error {
	if err := store.CheckEntity(e); err != nil {
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	attrs := e.Attrs
	if attrs == nil {
		attrs = map[string]store.Attribute{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO entities (id, type, attrs) VALUES ($1, $2, $3::jsonb) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Type, string(data))
	if err != nil {
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create %s: %w", e.ID, store.ErrAlreadyExists)
	}
	return nil
}
