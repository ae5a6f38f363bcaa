package metrics

import (
	"sync"
	"time"
)

// PhaseStats is the time one phase of a round took.
type PhaseStats struct {
	Phase    string        `json:"phase"`
	Duration time.Duration `json:"duration_ns"`
	Absent   []string      `json:"absent,omitempty"`
}

// RoundStats describes one completed round.
type RoundStats struct {
	Round               uint64        `json:"round"`
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration_ns"`
	NegotiationDuration time.Duration `json:"negotiation_duration_ns"`
	Phases              []PhaseStats  `json:"phases"`
	Overran             bool          `json:"overran"`
	Error               string        `json:"error,omitempty"`
}

// Summary aggregates the recorded rounds.
type Summary struct {
	Rounds          int           `json:"rounds"`
	Failed          int           `json:"failed"`
	Overran         int           `json:"overran"`
	MeanDuration    time.Duration `json:"mean_duration_ns"`
	MaxDuration     time.Duration `json:"max_duration_ns"`
	MeanNegotiation time.Duration `json:"mean_negotiation_ns"`
}

// Rounds is a bounded, concurrency-safe history of RoundStats.
type Rounds struct {
	mu      sync.RWMutex
	limit   int
	history []RoundStats

	// Totals survive history eviction.
	count         int
	failed        int
	overran       int
	totalDuration time.Duration
	totalNego     time.Duration
	maxDuration   time.Duration
}

// NewRounds keeps at most limit rounds; limit <= 0 keeps 1000.
func NewRounds(limit int) *Rounds {
	if limit <= 0 {
		limit = 1000
	}
	return &Rounds{limit: limit}
}

// Add records a round.
func (r *Rounds) Add(s RoundStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, s)
	if len(r.history) > r.limit {
		r.history = r.history[len(r.history)-r.limit:]
	}

	r.count++
	if s.Error != "" {
		r.failed++
	}
	if s.Overran {
		r.overran++
	}
	r.totalDuration += s.Duration
	r.totalNego += s.NegotiationDuration
	if s.Duration > r.maxDuration {
		r.maxDuration = s.Duration
	}
}

// All returns a copy of the retained history, oldest first.
func (r *Rounds) All() []RoundStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RoundStats(nil), r.history...)
}

// Last returns the most recent round.
func (r *Rounds) Last() (RoundStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.history) == 0 {
		return RoundStats{}, false
	}
	return r.history[len(r.history)-1], true
}

// Count returns the number of rounds recorded since start.
func (r *Rounds) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Summary aggregates every round recorded since start.
func (r *Rounds) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{
		Rounds:      r.count,
		Failed:      r.failed,
		Overran:     r.overran,
		MaxDuration: r.maxDuration,
	}
	if r.count > 0 {
		s.MeanDuration = r.totalDuration / time.Duration(r.count)
		s.MeanNegotiation = r.totalNego / time.Duration(r.count)
	}
	return s
}
