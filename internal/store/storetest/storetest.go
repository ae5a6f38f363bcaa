// Package storetest holds the contract tests every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/RWTH-EBC/PHOENAIX/internal/store"
)

// Run exercises the Store contract against an implementation. newStore
// must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		e := store.NewEntity("Bid:DEQ:MVP:1", "Bid")
		_ = e.Set("used", true)
		_ = e.Set("quantities", []float64{1, 2})
		if err := s.CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity failed: %v", err)
		}

		got, err := s.Get(ctx, "Bid:DEQ:MVP:1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if used, _ := got.Bool("used"); !used {
			t.Error("used = false, want true")
		}
		if q, _ := got.Floats("quantities"); len(q) != 2 {
			t.Errorf("quantities = %v, want 2 values", q)
		}
	})

	t.Run("create twice", func(t *testing.T) {
		s := newStore(t)
		e := store.NewEntity("Trade:DEQ:MVP:5:2", "Trade")
		_ = e.Set("used", false)
		if err := s.CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity failed: %v", err)
		}
		if err := s.CreateEntity(ctx, e); !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("second CreateEntity = %v, want store.ErrAlreadyExists", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Get = %v, want store.ErrNotFound", err)
		}
		err := s.UpdateAttribute(ctx, "nope", "used", store.MustAttribute(true))
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("UpdateAttribute = %v, want store.ErrNotFound", err)
		}
	})

	t.Run("update attribute", func(t *testing.T) {
		s := newStore(t)
		e := store.NewEntity("Offer:DEQ:MVP:C:7", "Offer")
		_ = e.Set("used", false)
		if err := s.CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity failed: %v", err)
		}
		if err := s.UpdateAttribute(ctx, e.ID, "used", store.MustAttribute(true)); err != nil {
			t.Fatalf("UpdateAttribute failed: %v", err)
		}
		if err := s.UpdateAttribute(ctx, e.ID, "prices", store.MustAttribute([]float64{0.3})); err != nil {
			t.Fatalf("UpdateAttribute new attr failed: %v", err)
		}

		got, _ := s.Get(ctx, e.ID)
		if used, _ := got.Bool("used"); !used {
			t.Error("used = false after update, want true")
		}
		if p, _ := got.Floats("prices"); len(p) != 1 || p[0] != 0.3 {
			t.Errorf("prices = %v, want [0.3]", p)
		}
	})

	t.Run("type mismatch", func(t *testing.T) {
		s := newStore(t)
		e := store.NewEntity("Bid:DEQ:MVP:2", "Bid")
		_ = e.Set("used", false)
		if err := s.CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity failed: %v", err)
		}
		err := s.UpdateAttribute(ctx, e.ID, "used", store.MustAttribute("false"))
		if !errors.Is(err, store.ErrTypeMismatch) {
			t.Errorf("UpdateAttribute = %v, want store.ErrTypeMismatch", err)
		}
		err = s.UpdateAttribute(ctx, e.ID, "used", store.Attribute{Type: store.TypeBoolean, Value: 1.0})
		if !errors.Is(err, store.ErrTypeMismatch) {
			t.Errorf("UpdateAttribute = %v, want store.ErrTypeMismatch", err)
		}
	})

	t.Run("list by type and delete", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"Bid:DEQ:MVP:3", "Bid:DEQ:MVP:1", "Bid:DEQ:MVP:2"} {
			e := store.NewEntity(id, "Bid")
			_ = e.Set("used", false)
			if err := s.CreateEntity(ctx, e); err != nil {
				t.Fatalf("CreateEntity(%s) failed: %v", id, err)
			}
		}
		other := store.NewEntity("Trade:DEQ:MVP:1:2", "Trade")
		_ = other.Set("used", false)
		_ = s.CreateEntity(ctx, other)

		bids, err := s.ListByType(ctx, "Bid")
		if err != nil {
			t.Fatalf("ListByType failed: %v", err)
		}
		if len(bids) != 3 {
			t.Fatalf("len(bids) = %d, want 3", len(bids))
		}
		if bids[0].ID != "Bid:DEQ:MVP:1" || bids[2].ID != "Bid:DEQ:MVP:3" {
			t.Errorf("bids not ordered by id: %s..%s", bids[0].ID, bids[2].ID)
		}

		if err := s.DeleteEntities(ctx, append(bids, store.Entity{ID: "missing"})); err != nil {
			t.Fatalf("DeleteEntities failed: %v", err)
		}
		bids, _ = s.ListByType(ctx, "Bid")
		if len(bids) != 0 {
			t.Errorf("len(bids) after delete = %d, want 0", len(bids))
		}
		if _, err := s.Get(ctx, other.ID); err != nil {
			t.Errorf("unrelated entity deleted: %v", err)
		}
	})

	t.Run("get returns copy", func(t *testing.T) {
		s := newStore(t)
		e := store.NewEntity("Bid:DEQ:MVP:9", "Bid")
		_ = e.Set("used", false)
		_ = s.CreateEntity(ctx, e)

		got, _ := s.Get(ctx, e.ID)
		got.Attrs["used"] = store.MustAttribute(true)

		again, _ := s.Get(ctx, e.ID)
		if used, _ := again.Bool("used"); used {
			t.Error("mutating a returned entity changed the store")
		}
	})
}
