package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/RWTH-EBC/PHOENAIX/internal/model"
	"github.com/RWTH-EBC/PHOENAIX/internal/store"
)

// recordingStore logs the order of attribute writes.
type recordingStore struct {
	store.Store
	mu     sync.Mutex
	writes []string
}

func (s *recordingStore) UpdateAttribute(ctx context.Context, id, name string, attr store.Attribute) error {
	s.mu.Lock()
	if name == "used" {
		s.writes = append(s.writes, name+"="+formatBool(attr.Value))
	} else {
		s.writes = append(s.writes, name)
	}
	s.mu.Unlock()
	return s.Store.UpdateAttribute(ctx, id, name, attr)
}

func formatBool(v any) string {
	if b, _ := v.(bool); b {
		return "true"
	}
	return "false"
}

func newRecords(t *testing.T) (*Records, store.Store) {
	t.Helper()
	schemas, err := LoadSchemas()
	if err != nil {
		t.Fatalf("LoadSchemas failed: %v", err)
	}
	s := store.NewMemory()
	return NewRecords(s, Options{Schemas: schemas}), s
}

func mustBid(t *testing.T, agent string, prices, quantities []float64, buying bool) model.Bid {
	t.Helper()
	b, err := model.NewBid(agent, prices, quantities, buying)
	if err != nil {
		t.Fatalf("NewBid failed: %v", err)
	}
	return b
}

func TestIDs(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{BidID("3"), "Bid:DEQ:MVP:3"},
		{OfferID("7"), "Offer:DEQ:MVP:C:7"},
		{CounterofferID("7", "C"), "Offer:DEQ:MVP:A:7:C"},
		{TradeID("5", "2"), "Trade:DEQ:MVP:5:2"},
		{AgentFromBidID("Bid:DEQ:MVP:12"), "12"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("id = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestBidCodec(t *testing.T) {
	b := mustBid(t, "1", []float64{0.1, 0.2}, []float64{1, 2}, true)
	b.FlexEnergy = 4.5

	e, err := EncodeBid(b)
	if err != nil {
		t.Fatalf("EncodeBid failed: %v", err)
	}
	if total, _ := e.Number("totalQuantity"); total != 3 {
		t.Errorf("totalQuantity = %v, want 3", total)
	}
	if _, ok := e.Number("meanPrice"); !ok {
		t.Error("meanPrice not written")
	}

	got, err := DecodeBid(e)
	if err != nil {
		t.Fatalf("DecodeBid failed: %v", err)
	}
	if got.AgentID != "1" || !got.Buying || got.Selling || got.FlexEnergy != 4.5 {
		t.Errorf("DecodeBid = %+v", got)
	}
	if len(got.Fragments) != 2 || got.Fragments[1] != (model.Fragment{Price: 0.2, Quantity: 2}) {
		t.Errorf("Fragments = %+v", got.Fragments)
	}
}

func TestDecode_Malformed(t *testing.T) {
	e := store.NewEntity(BidID("1"), TypeBid)
	_ = e.Set("prices", []float64{0.1})
	_ = e.Set("used", false)

	if _, err := DecodeBid(e); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("DecodeBid = %v, want ErrProtocolViolation", err)
	}

	tr := store.NewEntity(TradeID("2", "2"), TypeTrade)
	_ = tr.Set("buyer", "2")
	_ = tr.Set("seller", "2")
	_ = tr.Set("prices", []float64{})
	_ = tr.Set("quantities", []float64{})
	_ = tr.Set("used", false)
	if _, err := DecodeTrade(tr); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("DecodeTrade self-trade = %v, want ErrProtocolViolation", err)
	}
}

func TestWrite_UsedClearedLast(t *testing.T) {
	rs := &recordingStore{Store: store.NewMemory()}
	r := NewRecords(rs, Options{})
	ctx := context.Background()

	b := mustBid(t, "1", []float64{0.1}, []float64{1}, true)
	if err := r.WriteBid(ctx, b); err != nil {
		t.Fatalf("first WriteBid failed: %v", err)
	}
	if len(rs.writes) != 1 || rs.writes[0] != "used=false" {
		t.Errorf("first write sequence = %v, want [used=false]", rs.writes)
	}

	rs.writes = nil
	if err := r.WriteBid(ctx, b); err != nil {
		t.Fatalf("second WriteBid failed: %v", err)
	}
	n := len(rs.writes)
	if n < 3 || rs.writes[0] != "used=true" || rs.writes[n-1] != "used=false" {
		t.Errorf("overwrite sequence = %v, want used=true ... used=false", rs.writes)
	}
	for _, w := range rs.writes[1 : n-1] {
		if w == "used=true" || w == "used=false" {
			t.Errorf("used flag written mid-sequence: %v", rs.writes)
		}
	}
}

func TestConsumeBids_Idempotent(t *testing.T) {
	r, _ := newRecords(t)
	ctx := context.Background()

	if err := r.WriteBid(ctx, mustBid(t, "1", []float64{0.1, 0.2}, []float64{1, 2}, true)); err != nil {
		t.Fatalf("WriteBid failed: %v", err)
	}

	seen := 0
	for i := 0; i < 5; i++ {
		bids, err := r.ConsumeBids(ctx)
		if err != nil {
			t.Fatalf("ConsumeBids failed: %v", err)
		}
		seen += len(bids)
	}
	if seen != 1 {
		t.Errorf("bid observed %d times over 5 polls, want 1", seen)
	}
}

func TestConsumeBids_ThreeAgentsOneBid(t *testing.T) {
	r, s := newRecords(t)
	ctx := context.Background()

	if err := r.WriteBid(ctx, mustBid(t, "1", []float64{0.1, 0.2}, []float64{1, 2}, true)); err != nil {
		t.Fatalf("WriteBid failed: %v", err)
	}

	bids, err := r.ConsumeBids(ctx)
	if err != nil {
		t.Fatalf("ConsumeBids failed: %v", err)
	}
	if len(bids) != 1 {
		t.Fatalf("len(bids) = %d, want 1", len(bids))
	}
	b := bids[0]
	if b.AgentID != "1" || !b.Buying || b.TotalQuantity() != 3 {
		t.Errorf("bid = %+v", b)
	}

	e, _ := s.Get(ctx, BidID("1"))
	if used, _ := e.Bool("used"); !used {
		t.Error("bid not marked used in the store")
	}

	again, _ := r.ConsumeBids(ctx)
	if len(again) != 0 {
		t.Errorf("second collect returned %d bids, want 0", len(again))
	}
}

func TestConsumeBids_MalformedSkipped(t *testing.T) {
	r, s := newRecords(t)
	ctx := context.Background()

	bad := store.NewEntity(BidID("9"), TypeBid)
	_ = bad.Set("prices", []float64{0.1})
	_ = bad.Set("used", false)
	_ = s.CreateEntity(ctx, bad)
	if err := r.WriteBid(ctx, mustBid(t, "1", []float64{0.1}, []float64{1}, false)); err != nil {
		t.Fatalf("WriteBid failed: %v", err)
	}

	bids, err := r.ConsumeBids(ctx)
	if err != nil {
		t.Fatalf("ConsumeBids failed: %v", err)
	}
	if len(bids) != 1 || bids[0].AgentID != "1" {
		t.Errorf("bids = %+v, want only agent 1", bids)
	}
	e, _ := s.Get(ctx, bad.ID)
	if used, _ := e.Bool("used"); !used {
		t.Error("malformed bid should be marked used")
	}
}

func TestFindOffer_Addressing(t *testing.T) {
	r, _ := newRecords(t)
	ctx := context.Background()

	offer := model.Offer{
		OfferingAgentID:  "C",
		ReceivingAgentID: "7",
		Prices:           []float64{0.2},
		Quantities:       []float64{1},
		Selling:          true,
	}
	if err := r.WriteOffer(ctx, offer); err != nil {
		t.Fatalf("WriteOffer failed: %v", err)
	}

	for _, agent := range []string{"1", "2", "6"} {
		got, err := r.FindOffer(ctx, agent)
		if err != nil || got != nil {
			t.Errorf("FindOffer(%s) = %v, %v; want nil, nil", agent, got, err)
		}
	}

	got, err := r.FindOffer(ctx, "7")
	if err != nil {
		t.Fatalf("FindOffer(7) failed: %v", err)
	}
	if got == nil || got.Kind != model.KindOffer || got.OfferingAgentID != "C" {
		t.Errorf("FindOffer(7) = %+v", got)
	}

	// Counteroffers addressed to 7 are not offers for 7.
	if err := r.WriteCounteroffer(ctx, model.Offer{OfferingAgentID: "3", ReceivingAgentID: "7"}); err != nil {
		t.Fatalf("WriteCounteroffer failed: %v", err)
	}
	if got, err := r.FindOffer(ctx, "7"); err != nil || got == nil {
		t.Errorf("FindOffer(7) with counteroffer present = %v, %v", got, err)
	}

	if err := r.MarkOffersUsed(ctx, []model.Offer{offer}); err != nil {
		t.Fatalf("MarkOffersUsed failed: %v", err)
	}
	if got, _ := r.FindOffer(ctx, "7"); got != nil {
		t.Errorf("FindOffer after consumption = %+v, want nil", got)
	}
}

func TestFindOffer_MultipleIsViolation(t *testing.T) {
	r, s := newRecords(t)
	ctx := context.Background()

	if err := r.WriteOffer(ctx, model.Offer{OfferingAgentID: "C", ReceivingAgentID: "4"}); err != nil {
		t.Fatalf("WriteOffer failed: %v", err)
	}

	// A second unconsumed offer for 4 under a foreign id.
	dup, _ := EncodeOffer(model.Offer{Kind: model.KindOffer, OfferingAgentID: "C", ReceivingAgentID: "4", Prices: []float64{}, Quantities: []float64{}})
	dup.ID = "Offer:DEQ:MVP:C:4b"
	_ = s.CreateEntity(ctx, dup)

	_, err := r.FindOffer(ctx, "4")
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("FindOffer = %v, want ErrProtocolViolation", err)
	}
}

func TestConsumeCounteroffers(t *testing.T) {
	r, _ := newRecords(t)
	ctx := context.Background()

	if err := r.WriteOffer(ctx, model.Offer{OfferingAgentID: "C", ReceivingAgentID: "2"}); err != nil {
		t.Fatalf("WriteOffer failed: %v", err)
	}
	if err := r.WriteCounteroffer(ctx, model.Offer{OfferingAgentID: "2", ReceivingAgentID: "C", Prices: []float64{0.2}, Quantities: []float64{1}, Buying: true}); err != nil {
		t.Fatalf("WriteCounteroffer failed: %v", err)
	}
	if err := r.WriteCounteroffer(ctx, model.Offer{OfferingAgentID: "5", ReceivingAgentID: "C", Prices: []float64{0.2}, Quantities: []float64{1}, Selling: true}); err != nil {
		t.Fatalf("WriteCounteroffer failed: %v", err)
	}

	// Agent to agent, not for the coordinator.
	if err := r.WriteCounteroffer(ctx, model.Offer{OfferingAgentID: "3", ReceivingAgentID: "7", Prices: []float64{0.2}, Quantities: []float64{1}, Buying: true}); err != nil {
		t.Fatalf("WriteCounteroffer failed: %v", err)
	}

	got, err := r.ConsumeCounteroffers(ctx, "C")
	if err != nil {
		t.Fatalf("ConsumeCounteroffers failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, o := range got {
		if o.Kind != model.KindCounteroffer {
			t.Errorf("consumed %s record as counteroffer", o.Kind)
		}
	}

	again, _ := r.ConsumeCounteroffers(ctx, "C")
	if len(again) != 0 {
		t.Errorf("second consume returned %d, want 0", len(again))
	}
	forSeven, err := r.ConsumeCounteroffers(ctx, "7")
	if err != nil {
		t.Fatalf("ConsumeCounteroffers(7) failed: %v", err)
	}
	if len(forSeven) != 1 || forSeven[0].OfferingAgentID != "3" {
		t.Errorf("ConsumeCounteroffers(7) = %+v, want the counteroffer from 3", forSeven)
	}
	// The coordinator offer is untouched.
	if o, _ := r.FindOffer(ctx, "2"); o == nil {
		t.Error("coordinator offer consumed by ConsumeCounteroffers")
	}
}

func TestWrite_EmptyLists(t *testing.T) {
	r, _ := newRecords(t)
	ctx := context.Background()

	if err := r.WriteBid(ctx, mustBid(t, "3", []float64{}, []float64{}, false)); err != nil {
		t.Fatalf("WriteBid(empty) failed: %v", err)
	}
	if err := r.WriteCounteroffer(ctx, model.Offer{OfferingAgentID: "3", ReceivingAgentID: "C", Prices: []float64{}, Quantities: []float64{}}); err != nil {
		t.Fatalf("WriteCounteroffer(empty) failed: %v", err)
	}

	bids, err := r.ConsumeBids(ctx)
	if err != nil {
		t.Fatalf("ConsumeBids failed: %v", err)
	}
	if len(bids) != 1 || !bids[0].IsEmpty() {
		t.Errorf("ConsumeBids = %+v, want one empty bid", bids)
	}
	counters, err := r.ConsumeCounteroffers(ctx, "C")
	if err != nil {
		t.Fatalf("ConsumeCounteroffers failed: %v", err)
	}
	if len(counters) != 1 || len(counters[0].Prices) != 0 {
		t.Errorf("ConsumeCounteroffers = %+v, want one empty counteroffer", counters)
	}
}

func TestPendingTrades_Addressing(t *testing.T) {
	r, _ := newRecords(t)
	ctx := context.Background()

	trade := model.Trade{Buyer: "2", Seller: "5", Prices: []float64{0.15}, Quantities: []float64{1}}
	if err := r.WriteTrade(ctx, trade); err != nil {
		t.Fatalf("WriteTrade failed: %v", err)
	}

	for _, agent := range []string{"2", "5"} {
		got, err := r.PendingTrades(ctx, agent)
		if err != nil {
			t.Fatalf("PendingTrades(%s) failed: %v", agent, err)
		}
		if len(got) != 1 || got[0].ID != TradeID("5", "2") {
			t.Errorf("PendingTrades(%s) = %+v", agent, got)
		}
	}
	for _, agent := range []string{"1", "3", "4", "6"} {
		if got, _ := r.PendingTrades(ctx, agent); len(got) != 0 {
			t.Errorf("PendingTrades(%s) = %+v, want none", agent, got)
		}
	}

	// Reading does not consume.
	if got, _ := r.PendingTrades(ctx, "2"); len(got) != 1 {
		t.Error("PendingTrades consumed the trade")
	}
	_ = r.MarkTradesUsed(ctx, []model.Trade{trade})
	if got, _ := r.PendingTrades(ctx, "2"); len(got) != 0 {
		t.Errorf("PendingTrades after MarkTradesUsed = %+v", got)
	}
}

func TestClear_RoundIsolation(t *testing.T) {
	for _, strategy := range []string{CleanupFlag, CleanupDelete} {
		t.Run(strategy, func(t *testing.T) {
			r, s := newRecords(t)
			ctx := context.Background()

			// Round R leaves unconsumed records behind.
			if err := r.WriteBid(ctx, mustBid(t, "1", []float64{0.1}, []float64{1}, true)); err != nil {
				t.Fatalf("WriteBid failed: %v", err)
			}
			if err := r.WriteOffer(ctx, model.Offer{OfferingAgentID: "C", ReceivingAgentID: "1"}); err != nil {
				t.Fatalf("WriteOffer failed: %v", err)
			}
			if err := r.WriteTrade(ctx, model.Trade{Buyer: "1", Seller: "2", Prices: []float64{0.1}, Quantities: []float64{1}}); err != nil {
				t.Fatalf("WriteTrade failed: %v", err)
			}

			if err := r.Clear(ctx, strategy); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}

			// Rounds R+1 and R+2 see nothing from R.
			for round := 1; round <= 2; round++ {
				if bids, _ := r.ConsumeBids(ctx); len(bids) != 0 {
					t.Errorf("round R+%d: %d stale bids", round, len(bids))
				}
				if o, _ := r.FindOffer(ctx, "1"); o != nil {
					t.Errorf("round R+%d: stale offer %+v", round, o)
				}
				if tr, _ := r.PendingTrades(ctx, "1"); len(tr) != 0 {
					t.Errorf("round R+%d: stale trades %+v", round, tr)
				}
				_ = r.Clear(ctx, strategy)
			}

			if strategy == CleanupDelete {
				if n := s.(*store.Memory).Len(); n != 0 {
					t.Errorf("store holds %d entities after delete cleanup", n)
				}
			}
		})
	}
}

func TestClear_UnknownStrategy(t *testing.T) {
	r, _ := newRecords(t)
	if err := r.Clear(context.Background(), "vacuum"); err == nil {
		t.Error("Clear with unknown strategy should fail")
	}
}

func TestWrite_RejectsInvalid(t *testing.T) {
	r, _ := newRecords(t)
	ctx := context.Background()

	err := r.WriteBid(ctx, model.Bid{AgentID: "1", Buying: true, Selling: true})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("WriteBid = %v, want ErrProtocolViolation", err)
	}
	err = r.WriteTrade(ctx, model.Trade{Buyer: "1", Seller: "2", Prices: []float64{0.1}})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("WriteTrade = %v, want ErrProtocolViolation", err)
	}
}
