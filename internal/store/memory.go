package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entities: make(map[string]Entity)}
}

func (m *Memory) Get(ctx context.Context, id string) (Entity, error) {
	if err := ctx.Err(); err != nil {
		return Entity{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return Entity{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *Memory) ListByType(ctx context.Context, entityType string) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entity
	for _, e := range m.entities {
		if e.Type == entityType {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateAttribute(ctx context.Context, id, name string, attr Attribute) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("update %s.%s: %w", id, name, ErrNotFound)
	}
	if err := CheckUpdate(e, name, attr); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	norm, _ := normalize(attr.Value)
	e.Attrs[name] = Attribute{Type: attr.Type, Value: norm}
	return nil
}

func (m *Memory) DeleteEntities(ctx context.Context, entities []Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entities {
		delete(m.entities, e.ID)
	}
	return nil
}

func (m *Memory) CreateEntity(ctx context.Context, e Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckEntity(e); err != nil {
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[e.ID]; ok {
		return fmt.Errorf("create %s: %w", e.ID, ErrAlreadyExists)
	}
	stored := NewEntity(e.ID, e.Type)
	for k, a := range e.Attrs {
		norm, _ := normalize(a.Value)
		stored.Attrs[k] = Attribute{Type: a.Type, Value: norm}
	}
	m.entities[e.ID] = stored
	return nil
}

// Len returns the number of stored entities.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}
