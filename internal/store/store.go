package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrTypeMismatch  = errors.New("attribute type mismatch")
)

// Store is the narrow interface to the shared entity store.
type Store interface {
	// Get returns a single entity or ErrNotFound.
	Get(ctx context.Context, id string) (Entity, error)

	// ListByType returns every entity of the given type ordered by id.
	ListByType(ctx context.Context, entityType string) ([]Entity, error)

	// UpdateAttribute sets one attribute of an existing entity, adding it if
	// it does not exist yet.
	UpdateAttribute(ctx context.Context, id, name string, attr Attribute) error

	// DeleteEntities removes the given entities. Missing entities are ignored.
	DeleteEntities(ctx context.Context, entities []Entity) error

	// CreateEntity stores a new entity or returns ErrAlreadyExists.
	CreateEntity(ctx context.Context, e Entity) error
}

// AttrType is the declared type of an attribute.
type AttrType string

const (
	TypeArray   AttrType = "Array"
	TypeBoolean AttrType = "Boolean"
	TypeNumber  AttrType = "Number"
	TypeString  AttrType = "String"
)

// Attribute is a typed entity attribute.
type Attribute struct {
	Type  AttrType `json:"type"`
	Value any      `json:"value"`
}

// NewAttribute infers the attribute type from the runtime shape of v.
// The value is normalized to its JSON form: numbers become float64 and
// slices become []any.
func NewAttribute(v any) (Attribute, error) {
	norm, err := normalize(v)
	if err != nil {
		return Attribute{}, err
	}
	t, err := inferType(norm)
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{Type: t, Value: norm}, nil
}

// MustAttribute is NewAttribute for values known to be well-formed.
func MustAttribute(v any) Attribute {
	a, err := NewAttribute(v)
	if err != nil {
		panic(err)
	}
	return a
}

// Check verifies that the declared type matches the value.
func (a Attribute) Check() error {
	norm, err := normalize(a.Value)
	if err != nil {
		return err
	}
	t, err := inferType(norm)
	if err != nil {
		return err
	}
	if t != a.Type {
		return fmt.Errorf("%w: declared %s, value is %s", ErrTypeMismatch, a.Type, t)
	}
	return nil
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return out, nil
}

func inferType(v any) (AttrType, error) {
	switch v.(type) {
	case []any:
		return TypeArray, nil
	case bool:
		return TypeBoolean, nil
	case float64:
		return TypeNumber, nil
	case string:
		return TypeString, nil
	case nil:
		return "", fmt.Errorf("%w: null value", ErrTypeMismatch)
	default:
		return "", fmt.Errorf("%w: unsupported value %T", ErrTypeMismatch, v)
	}
}

// Entity is one record of the store.
type Entity struct {
	ID    string
	Type  string
	Attrs map[string]Attribute
}

// NewEntity creates an entity with an empty attribute set.
func NewEntity(id, entityType string) Entity {
	return Entity{ID: id, Type: entityType, Attrs: make(map[string]Attribute)}
}

// Set infers and stores an attribute.
func (e *Entity) Set(name string, v any) error {
	a, err := NewAttribute(v)
	if err != nil {
		return fmt.Errorf("attribute %s: %w", name, err)
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]Attribute)
	}
	e.Attrs[name] = a
	return nil
}

// Bool returns a Boolean attribute.
func (e Entity) Bool(name string) (bool, bool) {
	a, ok := e.Attrs[name]
	if !ok {
		return false, false
	}
	b, ok := a.Value.(bool)
	return b, ok
}

// Number returns a Number attribute.
func (e Entity) Number(name string) (float64, bool) {
	a, ok := e.Attrs[name]
	if !ok {
		return 0, false
	}
	switch n := a.Value.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// String returns a String attribute.
func (e Entity) String(name string) (string, bool) {
	a, ok := e.Attrs[name]
	if !ok {
		return "", false
	}
	s, ok := a.Value.(string)
	return s, ok
}

// Floats returns an Array attribute of numbers.
func (e Entity) Floats(name string) ([]float64, bool) {
	a, ok := e.Attrs[name]
	if !ok {
		return nil, false
	}
	switch vs := a.Value.(type) {
	case []float64:
		return append([]float64(nil), vs...), true
	case []any:
		out := make([]float64, len(vs))
		for i, v := range vs {
			f, ok := v.(float64)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	out := Entity{ID: e.ID, Type: e.Type, Attrs: make(map[string]Attribute, len(e.Attrs))}
	for k, a := range e.Attrs {
		if vs, ok := a.Value.([]any); ok {
			a.Value = append(make([]any, 0, len(vs)), vs...)
		}
		out.Attrs[k] = a
	}
	return out
}

// MarshalJSON encodes the entity in NGSI-v2 normalized form.
func (e Entity) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Attrs)+2)
	for k, a := range e.Attrs {
		m[k] = a
	}
	m["id"] = e.ID
	m["type"] = e.Type
	return json.Marshal(m)
}

// UnmarshalJSON decodes an entity in NGSI-v2 normalized form.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Entity{Attrs: make(map[string]Attribute, len(raw))}
	for k, v := range raw {
		switch k {
		case "id":
			if err := json.Unmarshal(v, &e.ID); err != nil {
				return fmt.Errorf("decode id: %w", err)
			}
		case "type":
			if err := json.Unmarshal(v, &e.Type); err != nil {
				return fmt.Errorf("decode type: %w", err)
			}
		default:
			var a Attribute
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode attribute %s: %w", k, err)
			}
			e.Attrs[k] = a
		}
	}
	return nil
}

// CheckEntity validates every attribute of an entity before a write.
func CheckEntity(e Entity) error {
	if e.ID == "" || e.Type == "" {
		return fmt.Errorf("entity needs id and type")
	}
	for name, a := range e.Attrs {
		if err := a.Check(); err != nil {
			return fmt.Errorf("attribute %s: %w", name, err)
		}
	}
	return nil
}

// CheckUpdate validates an attribute write against the stored entity.
func CheckUpdate(existing Entity, name string, attr Attribute) error {
	if err := attr.Check(); err != nil {
		return fmt.Errorf("attribute %s: %w", name, err)
	}
	if prev, ok := existing.Attrs[name]; ok && prev.Type != attr.Type {
		return fmt.Errorf("attribute %s: %w: stored %s, got %s", name, ErrTypeMismatch, prev.Type, attr.Type)
	}
	return nil
}
