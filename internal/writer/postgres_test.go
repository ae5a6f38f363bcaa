package writer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/RWTH-EBC/PHOENAIX/internal/metrics"
	"github.com/RWTH-EBC/PHOENAIX/internal/model"
)

// fakeDB records queued statements. Statements whose SQL contains
// conflictOn report zero rows affected.
type fakeDB struct {
	mu         sync.Mutex
	queries    []*pgx.QueuedQuery
	execs      []string
	conflictOn string
	fail       error
}

func (db *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queries = append(db.queries, b.QueuedQueries...)
	return &fakeResults{db: db, queued: b.QueuedQueries}
}

func (db *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (db *fakeDB) tables() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []string
	for _, q := range db.queries {
		fields := strings.Fields(q.SQL)
		out = append(out, fields[2]) // INSERT INTO <table>
	}
	return out
}

type fakeResults struct {
	db     *fakeDB
	queued []*pgx.QueuedQuery
	i      int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.db.fail != nil {
		return pgconn.CommandTag{}, r.db.fail
	}
	q := r.queued[r.i]
	r.i++
	if r.db.conflictOn != "" && strings.Contains(q.SQL, r.db.conflictOn) {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func sampleRecord() NegotiationRecord {
	b1, _ := model.NewBid("1", []float64{0.2, 0.3}, []float64{1, 2}, true)
	b2, _ := model.NewBid("2", []float64{0.1}, []float64{2}, false)
	return NegotiationRecord{
		RunID:         "0b7e4b36-7a4a-4c54-9d3a-1f0c2a9c7d11",
		Round:         7,
		CoordinatorID: "C",
		StartedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Duration:      1500 * time.Millisecond,
		OfferRounds:   1,
		Bids:          []model.Bid{b1, b2},
		Trades: []model.Trade{
			{Buyer: "1", Seller: "2", Prices: []float64{0.15, 0.2}, Quantities: []float64{1, 0.5}},
		},
	}
}

func TestTransformNegotiation(t *testing.T) {
	rows := transformNegotiation(sampleRecord())
	if len(rows) != 4 {
		t.Fatalf("len(rows) = %d, want 4", len(rows))
	}

	n, ok := rows[0].(negotiationRow)
	if !ok {
		t.Fatalf("rows[0] = %T, want negotiationRow", rows[0])
	}
	if n.Round != 7 || n.DurationMs != 1500 || n.Bids != 2 || n.Trades != 1 {
		t.Errorf("negotiation row = %+v", n)
	}

	b, ok := rows[1].(bidRow)
	if !ok {
		t.Fatalf("rows[1] = %T, want bidRow", rows[1])
	}
	if b.AgentID != "1" || !b.Buying || b.TotalQuantity != 3 {
		t.Errorf("bid row = %+v", b)
	}

	tr, ok := rows[3].(tradeRow)
	if !ok {
		t.Fatalf("rows[3] = %T, want tradeRow", rows[3])
	}
	if tr.Quantity != 1.5 {
		t.Errorf("Quantity = %v, want 1.5", tr.Quantity)
	}
	if tr.Amount != "0.25" {
		t.Errorf("Amount = %s, want 0.25", tr.Amount)
	}
}

func TestTransformRound(t *testing.T) {
	r, err := transformRound(metrics.RoundStats{
		Round:               3,
		Duration:            2 * time.Second,
		NegotiationDuration: 750 * time.Millisecond,
		Phases:              []metrics.PhaseStats{{Phase: "grid", Absent: []string{"4"}}},
	})
	if err != nil {
		t.Fatalf("transformRound failed: %v", err)
	}
	if r.DurationMs != 2000 || r.NegotiationMs != 750 {
		t.Errorf("row = %+v", r)
	}
	if !strings.Contains(string(r.Phases), `"absent":["4"]`) {
		t.Errorf("Phases = %s", r.Phases)
	}
}

func TestResultWriter_FlushOnStop(t *testing.T) {
	db := &fakeDB{}
	w := NewResultWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, db, nil)
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := w.RecordNegotiation(ctx, sampleRecord()); err != nil {
		t.Fatalf("RecordNegotiation failed: %v", err)
	}
	if err := w.RecordRound(ctx, metrics.RoundStats{Round: 7}); err != nil {
		t.Fatalf("RecordRound failed: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	want := []string{"negotiations", "bids", "bids", "trades", "rounds"}
	got := db.tables()
	if len(got) != len(want) {
		t.Fatalf("tables = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("table[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if s := w.Stats(); s.Inserts != 5 || s.Flushes != 1 {
		t.Errorf("Stats() = %+v", s)
	}

	if err := w.RecordRound(ctx, metrics.RoundStats{Round: 8}); !errors.Is(err, ErrClosed) {
		t.Errorf("RecordRound after Stop error = %v, want ErrClosed", err)
	}
}

func TestResultWriter_BatchSizeFlush(t *testing.T) {
	db := &fakeDB{conflictOn: "INSERT INTO bids"}
	w := NewResultWriter(WriterConfig{BatchSize: 4, FlushInterval: time.Hour}, db, nil)
	ctx := context.Background()
	_ = w.Start(ctx)
	defer w.Close()

	_ = w.RecordNegotiation(ctx, sampleRecord())

	deadline := time.Now().Add(time.Second)
	for w.Stats().Flushes == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s := w.Stats()
	if s.Flushes != 1 {
		t.Fatalf("Flushes = %d, want 1", s.Flushes)
	}
	if s.Inserts != 2 || s.Conflicts != 2 {
		t.Errorf("Inserts = %d, Conflicts = %d; want 2, 2", s.Inserts, s.Conflicts)
	}
}

func TestResultWriter_InsertError(t *testing.T) {
	db := &fakeDB{fail: errors.New("connection reset")}
	w := NewResultWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, db, nil)
	_ = w.RecordRound(context.Background(), metrics.RoundStats{Round: 1})

	_ = w.Close()
	if s := w.Stats(); s.Errors != 1 || s.Inserts != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestResultWriter_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	w := NewResultWriter(DefaultWriterConfig(), db, nil)
	if err := w.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "CREATE TABLE IF NOT EXISTS trades") {
		t.Errorf("execs = %v", db.execs)
	}
}

func TestMulti(t *testing.T) {
	dir := t.TempDir()
	file := NewFileRecorder(dir)
	m := Multi{Nop{}, file}
	ctx := context.Background()

	if err := m.RecordRound(ctx, metrics.RoundStats{Round: 1}); err != nil {
		t.Fatalf("RecordRound failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
