package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/RWTH-EBC/PHOENAIX/internal/model"
)

// Building is the building model behind an agent.
type Building interface {
	// CalculateForecast refreshes demand and generation forecasts.
	CalculateForecast(ctx context.Context) error

	// Optimize runs the building optimization and returns the bid for the
	// coming round.
	Optimize(ctx context.Context) (model.Bid, error)

	// Prepare advances the building to the next time step.
	Prepare(ctx context.Context) error
}

// ProfileStep is one entry of a ProfileBuilding schedule.
type ProfileStep struct {
	Prices     []float64
	Quantities []float64
	Buying     bool
	FlexEnergy float64
}

// ProfileBuilding replays a fixed schedule of bids, one step per round,
// wrapping around at the end.
type ProfileBuilding struct {
	agentID string
	steps   []ProfileStep

	mu    sync.Mutex
	index int
	ready bool
}

// NewProfileBuilding creates a building that bids steps in order.
func NewProfileBuilding(agentID string, steps []ProfileStep) (*ProfileBuilding, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("building %s: empty profile", agentID)
	}
	for i, s := range steps {
		if len(s.Prices) != len(s.Quantities) {
			return nil, fmt.Errorf("building %s: step %d has %d prices but %d quantities",
				agentID, i, len(s.Prices), len(s.Quantities))
		}
	}
	return &ProfileBuilding{agentID: agentID, steps: steps}, nil
}

func (p *ProfileBuilding) CalculateForecast(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = true
	return nil
}

func (p *ProfileBuilding) Optimize(ctx context.Context) (model.Bid, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready {
		return model.Bid{}, fmt.Errorf("building %s: optimize before forecast", p.agentID)
	}
	s := p.steps[p.index]
	b, err := model.NewBid(p.agentID, s.Prices, s.Quantities, s.Buying)
	if err != nil {
		return model.Bid{}, err
	}
	b.FlexEnergy = s.FlexEnergy
	return b, nil
}

func (p *ProfileBuilding) Prepare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = (p.index + 1) % len(p.steps)
	p.ready = false
	return nil
}

// Step returns the index of the profile step the next bid comes from.
func (p *ProfileBuilding) Step() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}
