package ngsi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/RWTH-EBC/PHOENAIX/internal/store"
)

var _ store.Store = (*Client)(nil)

func entityPath(id string) string {
	return "/v2/entities/" + url.PathEscape(id)
}

// Get returns a single entity or store.ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (store.Entity, error) {
	var e store.Entity
	if _, err := c.get(ctx, entityPath(id), nil, &e); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return store.Entity{}, fmt.Errorf("get %s: %w", id, store.ErrNotFound)
		}
		return store.Entity{}, fmt.Errorf("get %s: %w", id, err)
	}
	return e, nil
}

// ListByType pages through every entity of the given type.
func (c *Client) ListByType(ctx context.Context, entityType string) ([]store.Entity, error) {
	var out []store.Entity
	for offset := 0; ; {
		query := url.Values{}
		query.Set("type", entityType)
		query.Set("limit", strconv.Itoa(c.pageSize))
		query.Set("offset", strconv.Itoa(offset))
		query.Set("orderBy", "id")
		query.Set("options", "count")

		var page []store.Entity
		header, err := c.get(ctx, "/v2/entities", query, &page)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", entityType, err)
		}
		out = append(out, page...)
		offset += len(page)

		total, convErr := strconv.Atoi(header.Get("Fiware-Total-Count"))
		if len(page) == 0 || len(page) < c.pageSize || (convErr == nil && offset >= total) {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAttribute sets one attribute of an existing entity. The stored
// entity is read first so a type change is rejected before it reaches the
// broker.
func (c *Client) UpdateAttribute(ctx context.Context, id, name string, attr store.Attribute) error {
	existing, err := c.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("update %s.%s: %w", id, name, err)
	}
	if err := store.CheckUpdate(existing, name, attr); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}

	payload := map[string]store.Attribute{name: attr}
	if err := c.post(ctx, entityPath(id)+"/attrs", nil, payload); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return fmt.Errorf("update %s.%s: %w", id, name, store.ErrNotFound)
		}
		return fmt.Errorf("update %s.%s: %w", id, name, err)
	}
	return nil
}

type entityRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type batchOp struct {
	ActionType string      `json:"actionType"`
	Entities   []entityRef `json:"entities"`
}

// DeleteEntities removes the entities in one batch operation. Orion fails
// the whole batch when any entity is missing, so that case falls back to
// deleting one by one.
func (c *Client) DeleteEntities(ctx context.Context, entities []store.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	op := batchOp{ActionType: "delete", Entities: make([]entityRef, len(entities))}
	for i, e := range entities {
		op.Entities[i] = entityRef{ID: e.ID, Type: e.Type}
	}

	err := c.post(ctx, "/v2/op/update", nil, op)
	if err == nil {
		return nil
	}
	if statusOf(err) != http.StatusNotFound {
		return fmt.Errorf("delete batch: %w", err)
	}

	c.logger.Debug("batch delete hit missing entity, deleting individually", "count", len(entities))
	var errs []error
	for _, e := range entities {
		_, _, err := c.doWithRetry(ctx, http.MethodDelete, entityPath(e.ID), nil, nil)
		if err != nil && statusOf(err) != http.StatusNotFound {
			errs = append(errs, fmt.Errorf("delete %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}

// CreateEntity stores a new entity or returns store.ErrAlreadyExists.
func (c *Client) CreateEntity(ctx context.Context, e store.Entity) error {
	if err := store.CheckEntity(e); err != nil {
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	if err := c.post(ctx, "/v2/entities", nil, e); err != nil {
		if statusOf(err) == http.StatusUnprocessableEntity {
			return fmt.Errorf("create %s: %w", e.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("create %s: %w", e.ID, err)
	}
	return nil
}
