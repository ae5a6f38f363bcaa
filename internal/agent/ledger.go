package agent

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/RWTH-EBC/PHOENAIX/internal/model"
)

// GridCounterparty names the grid in ledger entries.
const GridCounterparty = "grid"

// LedgerEntry is one settled exchange of energy.
type LedgerEntry struct {
	Round        uint64
	Counterparty string
	Buying       bool
	Quantity     decimal.Decimal // kWh
	Amount       decimal.Decimal // EUR, positive when the agent pays
}

// Ledger accumulates an agent's settlements.
type Ledger struct {
	mu      sync.Mutex
	entries []LedgerEntry
}

// RecordTrade books a local trade from the perspective of agentID.
func (l *Ledger) RecordTrade(round uint64, agentID string, t model.Trade) LedgerEntry {
	buying := t.Buyer == agentID
	counterparty := t.Buyer
	if buying {
		counterparty = t.Seller
	}

	quantity := decimal.Zero
	amount := decimal.Zero
	for i := range t.Quantities {
		q := decimal.NewFromFloat(t.Quantities[i])
		quantity = quantity.Add(q)
		amount = amount.Add(q.Mul(decimal.NewFromFloat(t.Prices[i])))
	}
	if !buying {
		amount = amount.Neg()
	}

	return l.add(LedgerEntry{
		Round:        round,
		Counterparty: counterparty,
		Buying:       buying,
		Quantity:     quantity,
		Amount:       amount,
	})
}

// RecordGrid books a grid settlement.
func (l *Ledger) RecordGrid(round uint64, s GridSettlement) LedgerEntry {
	return l.add(LedgerEntry{
		Round:        round,
		Counterparty: GridCounterparty,
		Buying:       s.Buying,
		Quantity:     s.Quantity,
		Amount:       s.Amount(),
	})
}

func (l *Ledger) add(e LedgerEntry) LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a copy of all entries.
func (l *Ledger) Entries() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LedgerEntry(nil), l.entries...)
}

// Balance is the net amount paid, negative when the agent earned money.
func (l *Ledger) Balance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.Zero
	for _, e := range l.entries {
		total = total.Add(e.Amount)
	}
	return total
}

// LocalShare is the fraction of traded energy settled locally rather than
// with the grid.
func (l *Ledger) LocalShare() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	local, all := decimal.Zero, decimal.Zero
	for _, e := range l.entries {
		all = all.Add(e.Quantity)
		if e.Counterparty != GridCounterparty {
			local = local.Add(e.Quantity)
		}
	}
	if all.IsZero() {
		return decimal.Zero
	}
	return local.Div(all)
}
