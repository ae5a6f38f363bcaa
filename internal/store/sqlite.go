package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a single SQLite file. Several processes on
// the same host can share it.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the store file.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		attrs TEXT NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS entities_type ON entities(type);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, id string) (Entity, error) {
	e, err := getEntity(ctx, s.db, id)
	if err != nil {
		return Entity{}, fmt.Errorf("get %s: %w", id, err)
	}
	return e, nil
}

func (s *SQLite) ListByType(ctx context.Context, entityType string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, attrs FROM entities WHERE type = ? ORDER BY id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", entityType, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateAttribute(ctx context.Context, id, name string, attr Attribute) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %s.%s: %w", id, name, err)
	}
	defer tx.Rollback()

	e, err := getEntity(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("update %s.%s: %w", id, name, err)
	}
	if err := CheckUpdate(e, name, attr); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	e.Attrs[name] = attr

	data, err := json.Marshal(e.Attrs)
	if err != nil {
		return fmt.Errorf("update %s.%s: %w", id, name, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE entities SET attrs = ? WHERE id = ?`, string(data), id); err != nil {
		return fmt.Errorf("update %s.%s: %w", id, name, err)
	}
	return tx.Commit()
}

func (s *SQLite) DeleteEntities(ctx context.Context, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete entities: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM entities WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("delete entities: %w", err)
	}
	defer stmt.Close()

	for _, e := range entities {
		if _, err := stmt.ExecContext(ctx, e.ID); err != nil {
			return fmt.Errorf("delete %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) CreateEntity(ctx context.Context, e Entity) error {
	if err := CheckEntity(e); err != nil {
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	data, err := json.Marshal(e.Attrs)
	if err != nil {
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, type, attrs) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		e.ID, e.Type, string(data))
	if err != nil {
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("create %s: %w", e.ID, ErrAlreadyExists)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getEntity(ctx context.Context, q queryer, id string) (Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT id, type, attrs FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	return e, err
}

func scanEntity(s scanner) (Entity, error) {
	var (
		e     Entity
		attrs string
	)
	if err := s.Scan(&e.ID, &e.Type, &attrs); err != nil {
		return Entity{}, err
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attrs); err != nil {
		return Entity{}, fmt.Errorf("decode attrs of %s: %w", e.ID, err)
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]Attribute)
	}
	return e, nil
}
