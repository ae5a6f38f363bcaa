package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RWTH-EBC/PHOENAIX/internal/agent"
	"github.com/RWTH-EBC/PHOENAIX/internal/barrier"
	"github.com/RWTH-EBC/PHOENAIX/internal/bus"
	"github.com/RWTH-EBC/PHOENAIX/internal/coordinator"
	"github.com/RWTH-EBC/PHOENAIX/internal/lifecycle"
	"github.com/RWTH-EBC/PHOENAIX/internal/matching"
	"github.com/RWTH-EBC/PHOENAIX/internal/metrics"
	"github.com/RWTH-EBC/PHOENAIX/internal/protocol"
	"github.com/RWTH-EBC/PHOENAIX/internal/store"
)

// responder answers every signal it sees for ids, recording the order of
// signals.
type responder struct {
	mu      sync.Mutex
	signals []string
}

func (r *responder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signals...)
}

func startResponder(t *testing.T, b bus.Bus, agents []string, coordinatorID string) *responder {
	t.Helper()
	r := &responder{}
	topics := []string{protocol.TopicForecast, protocol.TopicOptimize, protocol.TopicGrid, protocol.TopicPrepare, protocol.TopicNegotiation}
	for _, topic := range topics {
		_, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg bus.Message) {
			r.mu.Lock()
			r.signals = append(r.signals, msg.Topic)
			r.mu.Unlock()

			phase, _ := protocol.PhaseOf(msg.Topic)
			ids := agents
			if phase == protocol.PhaseNegotiation {
				ids = []string{coordinatorID}
			}
			for _, id := range ids {
				_ = b.Publish(ctx, protocol.NotificationTopic(phase, id), []byte(id))
			}
		})
		if err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", topic, err)
		}
	}
	return r
}

func startController(t *testing.T, cfg Config, b bus.Bus, onDone func()) *Controller {
	t.Helper()
	c := New(cfg, b, Options{OnDone: onDone})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.Stop(ctx); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return c
}

func waitDone(t *testing.T, done <-chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(within):
		t.Fatal("controller did not finish")
	}
}

func TestController_RunsPhasesInOrder(t *testing.T) {
	b := bus.NewMemory(bus.MemoryOptions{}, nil)
	defer b.Close()
	agents := []string{"1", "2", "3"}
	r := startResponder(t, b, agents, "C")

	done := make(chan struct{})
	c := startController(t, Config{
		Agents:        agents,
		CoordinatorID: "C",
		Autostart:     true,
		MaxRounds:     2,
		Barrier:       barrier.Options{Mode: barrier.ModeNotify, Timeout: 2 * time.Second},
		Policy:        barrier.Policy{OnTimeout: barrier.OnTimeoutAbort},
	}, b, func() { close(done) })

	waitDone(t, done, 5*time.Second)

	want := []string{
		protocol.TopicForecast, protocol.TopicOptimize, protocol.TopicNegotiation, protocol.TopicGrid, protocol.TopicPrepare,
		protocol.TopicForecast, protocol.TopicOptimize, protocol.TopicNegotiation, protocol.TopicGrid, protocol.TopicPrepare,
	}
	got := r.seen()
	if len(got) != len(want) {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("signal[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	rounds := c.Rounds()
	if len(rounds) != 2 {
		t.Fatalf("len(Rounds()) = %d, want 2", len(rounds))
	}
	for i, s := range rounds {
		if s.Round != uint64(i+1) || s.Error != "" || len(s.Phases) != 5 {
			t.Errorf("round %d stats = %+v", i+1, s)
		}
	}
	if c.Running() {
		t.Error("Running() = true after round limit")
	}
}

func TestController_StartStopTopics(t *testing.T) {
	b := bus.NewMemory(bus.MemoryOptions{}, nil)
	defer b.Close()
	agents := []string{"1"}
	startResponder(t, b, agents, "C")

	c := startController(t, Config{
		Agents:           agents,
		CoordinatorID:    "C",
		MinRoundDuration: 20 * time.Millisecond,
		Barrier:          barrier.Options{Mode: barrier.ModeNotify, Timeout: time.Second},
	}, b, nil)

	time.Sleep(50 * time.Millisecond)
	if n := len(c.Rounds()); n != 0 {
		t.Fatalf("%d rounds ran before start", n)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, protocol.TopicStart, nil)
	deadline := time.Now().Add(3 * time.Second)
	for len(c.Rounds()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(c.Rounds()); n < 2 {
		t.Fatalf("%d rounds after start, want at least 2", n)
	}

	_ = b.Publish(ctx, protocol.TopicStop, nil)
	deadline = time.Now().Add(time.Second)
	for c.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Running() {
		t.Fatal("Running() = true after stop")
	}

	// At most the round in flight completes after stop.
	time.Sleep(100 * time.Millisecond)
	settled := len(c.Rounds())
	time.Sleep(100 * time.Millisecond)
	if n := len(c.Rounds()); n != settled {
		t.Errorf("rounds kept running after stop: %d -> %d", settled, n)
	}
}

func TestController_Pacing(t *testing.T) {
	b := bus.NewMemory(bus.MemoryOptions{}, nil)
	defer b.Close()
	agents := []string{"1"}
	startResponder(t, b, agents, "C")

	done := make(chan struct{})
	start := time.Now()
	c := startController(t, Config{
		Agents:           agents,
		CoordinatorID:    "C",
		Autostart:        true,
		MaxRounds:        2,
		MinRoundDuration: 150 * time.Millisecond,
		Barrier:          barrier.Options{Mode: barrier.ModeNotify, Timeout: time.Second},
	}, b, func() { close(done) })

	waitDone(t, done, 5*time.Second)
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("two rounds took %s, want at least one paced round of 150ms", elapsed)
	}
	for _, s := range c.Rounds() {
		if s.Overran {
			t.Errorf("round %d marked overran in %s", s.Round, s.Duration)
		}
	}
}

func TestController_SkipsAbsentAgents(t *testing.T) {
	b := bus.NewMemory(bus.MemoryOptions{}, nil)
	defer b.Close()
	// Agent 3 is configured but never answers.
	startResponder(t, b, []string{"1", "2"}, "C")

	done := make(chan struct{})
	c := startController(t, Config{
		Agents:        []string{"1", "2", "3"},
		CoordinatorID: "C",
		Autostart:     true,
		MaxRounds:     1,
		Barrier:       barrier.Options{Timeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		Policy:        barrier.Policy{OnTimeout: barrier.OnTimeoutSkip, RetryBroadcast: true},
	}, b, func() { close(done) })

	waitDone(t, done, 5*time.Second)

	rounds := c.Rounds()
	if len(rounds) != 1 || rounds[0].Error != "" {
		t.Fatalf("rounds = %+v, want one completed round", rounds)
	}
	for _, p := range rounds[0].Phases {
		wantAbsent := p.Phase != string(protocol.PhaseNegotiation)
		if got := len(p.Absent) == 1 && p.Absent[0] == "3"; got != wantAbsent {
			t.Errorf("phase %s absent = %v", p.Phase, p.Absent)
		}
	}
}

func TestController_AbortEndsRound(t *testing.T) {
	b := bus.NewMemory(bus.MemoryOptions{}, nil)
	defer b.Close()
	startResponder(t, b, nil, "C")

	var rounds atomic.Int32
	done := make(chan struct{})
	c := startController(t, Config{
		Agents:        []string{"1"},
		CoordinatorID: "C",
		Autostart:     true,
		MaxRounds:     1,
		ErrorBackoff:  time.Millisecond,
		Barrier:       barrier.Options{Mode: barrier.ModeNotify, Timeout: 30 * time.Millisecond},
		Policy:        barrier.Policy{OnTimeout: barrier.OnTimeoutAbort},
	}, b, func() { rounds.Add(1); close(done) })

	waitDone(t, done, 5*time.Second)
	got := c.Rounds()
	if len(got) != 1 || got[0].Error == "" {
		t.Fatalf("rounds = %+v, want one failed round", got)
	}
	if len(got[0].Phases) != 1 {
		t.Errorf("phases = %+v, want the round to end at forecast", got[0].Phases)
	}
	if rounds.Load() != 1 {
		t.Errorf("OnDone called %d times", rounds.Load())
	}
}

func TestController_FullMarket(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory(bus.MemoryOptions{}, nil)
	defer b.Close()
	s := store.NewMemory()
	records := lifecycle.NewRecords(s, lifecycle.Options{})
	opts := barrier.Options{Mode: barrier.ModeNotify, Timeout: 2 * time.Second}
	policy := barrier.Policy{OnTimeout: barrier.OnTimeoutAbort}

	profiles := map[string]agent.ProfileStep{
		"1": {Prices: []float64{0.25}, Quantities: []float64{2}, Buying: true},
		"2": {Prices: []float64{0.10}, Quantities: []float64{1}},
	}
	parts := make(map[string]*agent.Participant)
	for id, step := range profiles {
		building, err := agent.NewProfileBuilding(id, []agent.ProfileStep{step})
		if err != nil {
			t.Fatalf("NewProfileBuilding failed: %v", err)
		}
		p := agent.NewParticipant(agent.New(id, building, nil, agent.GridPrices{}), b, records, nil)
		if err := p.Start(ctx); err != nil {
			t.Fatalf("agent Start failed: %v", err)
		}
		defer p.Stop(ctx)
		parts[id] = p
	}

	coord := coordinator.New(coordinator.Config{
		ID:      "C",
		Agents:  []string{"1", "2"},
		Barrier: opts,
		Policy:  policy,
	}, b, records, matching.NewMidpoint("C"), nil, nil)
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("coordinator Start failed: %v", err)
	}
	defer coord.Stop(ctx)

	done := make(chan struct{})
	rounds := metrics.NewRounds(10)
	c := New(Config{
		Agents:        []string{"1", "2"},
		CoordinatorID: "C",
		Autostart:     true,
		MaxRounds:     2,
		Barrier:       opts,
		Policy:        policy,
	}, b, Options{Rounds: rounds, OnDone: func() { close(done) }})
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop(ctx)

	waitDone(t, done, 10*time.Second)

	for _, st := range rounds.All() {
		if st.Error != "" {
			t.Fatalf("round %d failed: %s", st.Round, st.Error)
		}
	}
	if got := parts["1"].Agent().Trades(); len(got) != 2 {
		t.Fatalf("buyer traded %d times over two rounds, want 2", len(got))
	}
	// 1 kWh per round locally at 0.175, the other 1 kWh from the grid at 0.
	if bal := parts["1"].Agent().Ledger().Balance(); bal.StringFixed(3) != "0.350" {
		t.Errorf("buyer balance = %s, want 0.350", bal)
	}
	if st := coord.Status(); st.LastCompletedRound != 2 || st.Failures != 0 {
		t.Errorf("coordinator status = %+v", st)
	}
}

func TestController_StopAfterFailedStart(t *testing.T) {
	b := bus.NewMemory(bus.MemoryOptions{}, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c := New(Config{Agents: []string{"1"}, CoordinatorID: "C"}, b, Options{})
	if err := c.Start(context.Background()); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("Start = %v, want bus.ErrClosed", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop after failed Start = %v, want nil", err)
	}
}
