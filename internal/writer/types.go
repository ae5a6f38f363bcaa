package writer

import (
	"time"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
	}
}

// negotiationRow is a row of the negotiations table.
type negotiationRow struct {
	RunID         string
	Round         int64
	CoordinatorID string
	StartedAt     time.Time
	DurationMs    int64
	OfferRounds   int
	Bids          int
	Trades        int
	Error         string
}

// bidRow is a row of the bids table.
type bidRow struct {
	RunID         string
	Round         int64
	AgentID       string
	Buying        bool
	Prices        []float64
	Quantities    []float64
	MeanPrice     float64
	TotalQuantity float64
}

// tradeRow is a row of the trades table.
type tradeRow struct {
	RunID      string
	Round      int64
	Buyer      string
	Seller     string
	Prices     []float64
	Quantities []float64
	Quantity   float64
	Amount     string // numeric, EUR
}

// roundRow is a row of the rounds table.
type roundRow struct {
	Round         int64
	StartedAt     time.Time
	DurationMs    int64
	NegotiationMs int64
	Overran       bool
	Error         string
	Phases        []byte // JSONB
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64
}
