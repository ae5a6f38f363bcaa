package lifecycle

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/jsonc"

	"github.com/RWTH-EBC/PHOENAIX/internal/store"
)

//go:embed schema/*.jsonc
var schemaFS embed.FS

// Schemas validates entities against the embedded record schemas.
type Schemas struct {
	byType map[string]*jsonschema.Schema
}

// LoadSchemas compiles the Bid, Offer and Trade schemas.
func LoadSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	s := &Schemas{byType: make(map[string]*jsonschema.Schema)}
	for _, typ := range []string{TypeBid, TypeOffer, TypeTrade} {
		data, err := schemaFS.ReadFile("schema/" + typ + ".jsonc")
		if err != nil {
			return nil, fmt.Errorf("reading %s schema: %w", typ, err)
		}
		url := "https://schemas.phoenaix.local/" + typ + ".json"
		if err := c.AddResource(url, bytes.NewReader(jsonc.ToJSON(data))); err != nil {
			return nil, fmt.Errorf("adding %s schema: %w", typ, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compiling %s schema: %w", typ, err)
		}
		s.byType[typ] = sch
	}
	return s, nil
}

// Validate checks an entity in key-values form against the schema of its
// type. Entities of unknown types pass.
func (s *Schemas) Validate(e store.Entity) error {
	sch, ok := s.byType[e.Type]
	if !ok {
		return nil
	}
	doc, err := keyValues(e)
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s does not match schema: %v", ErrProtocolViolation, e.ID, err)
	}
	return nil
}

// keyValues flattens an entity into the form the schemas describe, decoded
// back from JSON so the validator sees plain JSON types.
func keyValues(e store.Entity) (any, error) {
	m := make(map[string]any, len(e.Attrs)+2)
	for k, a := range e.Attrs {
		m[k] = a.Value
	}
	m["id"] = e.ID
	m["type"] = e.Type

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.ID, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.ID, err)
	}
	return doc, nil
}
