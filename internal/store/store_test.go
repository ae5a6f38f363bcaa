package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestNewAttribute(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    AttrType
		wantErr bool
	}{
		{"bool", true, TypeBoolean, false},
		{"int", 3, TypeNumber, false},
		{"float", 0.25, TypeNumber, false},
		{"string", "C", TypeString, false},
		{"float slice", []float64{0.1, 0.2}, TypeArray, false},
		{"empty slice", []float64{}, TypeArray, false},
		{"nil", nil, "", true},
		{"object", map[string]int{"a": 1}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAttribute(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewAttribute(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrTypeMismatch) {
					t.Errorf("error = %v, want ErrTypeMismatch", err)
				}
				return
			}
			if a.Type != tt.want {
				t.Errorf("Type = %s, want %s", a.Type, tt.want)
			}
		})
	}
}

func TestAttribute_Check(t *testing.T) {
	bad := Attribute{Type: TypeNumber, Value: "1.0"}
	if err := bad.Check(); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Check() = %v, want ErrTypeMismatch", err)
	}
	good := Attribute{Type: TypeArray, Value: []float64{1, 2}}
	if err := good.Check(); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
}

func TestEntity_JSONRoundTrip(t *testing.T) {
	e := NewEntity("Bid:DEQ:MVP:1", "Bid")
	_ = e.Set("used", false)
	_ = e.Set("prices", []float64{0.1, 0.2})
	_ = e.Set("agentId", "1")

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal raw failed: %v", err)
	}
	if raw["id"] != "Bid:DEQ:MVP:1" || raw["type"] != "Bid" {
		t.Errorf("id/type = %v/%v", raw["id"], raw["type"])
	}
	used, _ := raw["used"].(map[string]any)
	if used["type"] != "Boolean" {
		t.Errorf("used.type = %v, want Boolean", used["type"])
	}

	var back Entity
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	prices, ok := back.Floats("prices")
	if !ok || len(prices) != 2 || prices[1] != 0.2 {
		t.Errorf("Floats(prices) = %v, %v", prices, ok)
	}
	if id, _ := back.String("agentId"); id != "1" {
		t.Errorf("String(agentId) = %q, want 1", id)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Error("OpenSQLite(\"\") should fail")
	}
}

func TestEntity_CloneKeepsEmptyArrays(t *testing.T) {
	e := NewEntity("Bid:DEQ:MVP:3", "Bid")
	if err := e.Set("prices", []float64{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	c := e.Clone()
	vs, ok := c.Attrs["prices"].Value.([]any)
	if !ok || vs == nil {
		t.Fatalf("Clone prices = %#v, want empty array", c.Attrs["prices"].Value)
	}
	if err := c.Attrs["prices"].Check(); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}

	m := NewMemory()
	if err := m.CreateEntity(context.Background(), c); err != nil {
		t.Errorf("CreateEntity(clone) = %v, want nil", err)
	}
}
