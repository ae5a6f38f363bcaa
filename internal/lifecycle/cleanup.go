package lifecycle

import (
	"context"
	"fmt"
)

// Cleanup strategies for the round boundary.
const (
	CleanupDelete = "delete" // Hard-delete every Bid, Offer and Trade
	CleanupFlag   = "flag"   // Mark every remaining record used
)

// Clear removes the previous round's records with the given strategy. Only
// the coordinator calls this.
func (r *Records) Clear(ctx context.Context, strategy string) error {
	for _, typ := range []string{TypeBid, TypeOffer, TypeTrade} {
		switch strategy {
		case CleanupDelete:
			entities, err := r.store.ListByType(ctx, typ)
			if err != nil {
				return fmt.Errorf("list %s: %w", typ, err)
			}
			if err := r.store.DeleteEntities(ctx, entities); err != nil {
				return fmt.Errorf("delete %s: %w", typ, err)
			}
		case CleanupFlag:
			entities, err := r.unused(ctx, typ)
			if err != nil {
				return err
			}
			for _, e := range entities {
				if err := r.markUsed(ctx, e.ID); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown cleanup strategy %q", strategy)
		}
	}
	return nil
}
