package metrics

import (
	"testing"
	"time"
)

func TestRounds_Summary(t *testing.T) {
	r := NewRounds(2)

	r.Add(RoundStats{Round: 1, Duration: 2 * time.Second, NegotiationDuration: time.Second})
	r.Add(RoundStats{Round: 2, Duration: 4 * time.Second, NegotiationDuration: 3 * time.Second, Overran: true})
	r.Add(RoundStats{Round: 3, Duration: 3 * time.Second, Error: "phase aborted"})

	all := r.All()
	if len(all) != 2 || all[0].Round != 2 || all[1].Round != 3 {
		t.Errorf("All() = %+v, want rounds 2 and 3", all)
	}
	if last, ok := r.Last(); !ok || last.Round != 3 {
		t.Errorf("Last() = %+v, %v", last, ok)
	}

	s := r.Summary()
	if s.Rounds != 3 || s.Failed != 1 || s.Overran != 1 {
		t.Errorf("Summary counts = %+v", s)
	}
	if s.MeanDuration != 3*time.Second {
		t.Errorf("MeanDuration = %s, want 3s", s.MeanDuration)
	}
	if s.MaxDuration != 4*time.Second {
		t.Errorf("MaxDuration = %s, want 4s", s.MaxDuration)
	}
	if s.MeanNegotiation != 4*time.Second/3 {
		t.Errorf("MeanNegotiation = %s", s.MeanNegotiation)
	}
}

func TestRounds_Empty(t *testing.T) {
	r := NewRounds(0)
	if _, ok := r.Last(); ok {
		t.Error("Last() on empty history returned ok")
	}
	if s := r.Summary(); s.Rounds != 0 || s.MeanDuration != 0 {
		t.Errorf("Summary() = %+v", s)
	}
}
