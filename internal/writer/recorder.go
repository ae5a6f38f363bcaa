package writer

import (
	"context"
	"errors"
	"time"

	"github.com/RWTH-EBC/PHOENAIX/internal/metrics"
	"github.com/RWTH-EBC/PHOENAIX/internal/model"
)

// NegotiationRecord is the outcome of one coordinator negotiation.
type NegotiationRecord struct {
	RunID         string        `json:"run_id"`
	Round         uint64        `json:"round"`
	CoordinatorID string        `json:"coordinator_id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
	OfferRounds   int           `json:"offer_rounds"`
	Bids          []model.Bid   `json:"bids"`
	Trades        []model.Trade `json:"trades"`
	Error         string        `json:"error,omitempty"`
}

// Recorder persists market results.
type Recorder interface {
	RecordNegotiation(ctx context.Context, rec NegotiationRecord) error
	RecordRound(ctx context.Context, stats metrics.RoundStats) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordNegotiation(context.Context, NegotiationRecord) error { return nil }
func (Nop) RecordRound(context.Context, metrics.RoundStats) error      { return nil }
func (Nop) Close() error                                               { return nil }

// Multi fans results out to several recorders.
type Multi []Recorder

func (m Multi) RecordNegotiation(ctx context.Context, rec NegotiationRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordNegotiation(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordRound(ctx context.Context, stats metrics.RoundStats) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordRound(ctx, stats))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
