package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/RWTH-EBC/PHOENAIX/internal/store"
	"github.com/RWTH-EBC/PHOENAIX/internal/store/storetest"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type fakeRow struct {
	typ  string
	data []byte
}

// fakeDB answers the statements EntityStore issues from a map.
type fakeDB struct {
	mu      sync.Mutex
	rows    map[string]fakeRow
	execs   []string
	failErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string]fakeRow)}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	if f.failErr != nil {
		return pgconn.CommandTag{}, f.failErr
	}

	switch {
	case strings.HasPrefix(sql, "INSERT"):
		id := args[0].(string)
		if _, ok := f.rows[id]; ok {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.rows[id] = fakeRow{typ: args[1].(string), data: []byte(args[2].(string))}
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.HasPrefix(sql, "UPDATE"):
		id, name := args[0].(string), args[1].(string)
		r, ok := f.rows[id]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		var attrs map[string]json.RawMessage
		_ = json.Unmarshal(r.data, &attrs)
		attrs[name] = json.RawMessage(args[2].(string))
		r.data, _ = json.Marshal(attrs)
		f.rows[id] = r
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.HasPrefix(sql, "DELETE"):
		n := 0
		for _, id := range args[0].([]string) {
			if _, ok := f.rows[id]; ok {
				delete(f.rows, id)
				n++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", n)), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	typ := args[0].(string)
	var ids []string
	for id, r := range f.rows {
		if r.typ == typ {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := &fakeRows{}
	for _, id := range ids {
		out.rows = append(out.rows, []any{id, append([]byte(nil), f.rows[id].data...)})
	}
	return out, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return errRow{f.failErr}
	}
	r, ok := f.rows[args[0].(string)]
	if !ok {
		return errRow{pgx.ErrNoRows}
	}
	return &fakeRows{rows: [][]any{{r.typ, append([]byte(nil), r.data...)}}, pos: 0}
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

// fakeRows implements pgx.Rows and pgx.Row over string and []byte columns.
type fakeRows struct {
	rows [][]any
	pos  int
	cur  []any
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.cur, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.cur = r.rows[r.pos]
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.cur == nil && !r.Next() {
		return pgx.ErrNoRows
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.cur[i].(string)
		case *[]byte:
			*p = r.cur[i].([]byte)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

func TestEntityStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return NewEntityStore(newFakeDB())
	})
}

func TestEntityStore_Postgres(t *testing.T) {
	url := os.Getenv("PHOENAIX_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("PHOENAIX_TEST_POSTGRES_URL not set, skipping")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	storetest.Run(t, func(t *testing.T) store.Store {
		s := NewEntityStore(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			t.Fatalf("EnsureSchema failed: %v", err)
		}
		if _, err := pool.Exec(ctx, `TRUNCATE entities`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestEntityStore_EnsureSchema(t *testing.T) {
	db := newFakeDB()
	if err := NewEntityStore(db).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "CREATE TABLE IF NOT EXISTS entities") {
		t.Errorf("execs = %v", db.execs)
	}
}

func TestEntityStore_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection reset")
	db := newFakeDB()
	db.failErr = boom
	s := NewEntityStore(db)

	if _, err := s.Get(ctx, "Bid:DEQ:MVP:1"); !errors.Is(err, boom) || errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get = %v, want wrapped connection error", err)
	}
	if _, err := s.ListByType(ctx, "Bid"); !errors.Is(err, boom) {
		t.Errorf("ListByType = %v, want wrapped connection error", err)
	}
	e := store.NewEntity("Bid:DEQ:MVP:1", "Bid")
	if err := s.CreateEntity(ctx, e); !errors.Is(err, boom) {
		t.Errorf("CreateEntity = %v, want wrapped connection error", err)
	}
	if err := s.DeleteEntities(ctx, nil); err != nil {
		t.Errorf("DeleteEntities(nil) = %v, want nil", err)
	}
}

func TestEntityStore_CreateRejectsBadAttribute(t *testing.T) {
	db := newFakeDB()
	s := NewEntityStore(db)
	e := store.NewEntity("Bid:DEQ:MVP:1", "Bid")
	e.Attrs["used"] = store.Attribute{Type: store.TypeBoolean, Value: "yes"}

	if err := s.CreateEntity(context.Background(), e); !errors.Is(err, store.ErrTypeMismatch) {
		t.Errorf("CreateEntity = %v, want ErrTypeMismatch", err)
	}
	if len(db.execs) != 0 {
		t.Errorf("execs = %d, want 0", len(db.execs))
	}
}
