package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"nuha.dev/groupshare/internal/osmo/codec"
)

type mockCopier struct {
	mu     sync.Mutex
	tables []string
	rows   [][]interface{}
	calls  int
	err    error
	done   chan struct{}
}

func (m *mockCopier) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.tables = append(m.tables, tableName.Sanitize())
	var n int64
	for rowSrc.Next() {
		v, err := rowSrc.Values()
		if err != nil {
			return n, err
		}
		if len(v) != len(columnNames) {
			return n, errors.New("column mismatch")
		}
		m.rows = append(m.rows, v)
		n++
	}
	if m.done != nil {
		m.done <- struct{}{}
	}
	return n, m.err
}

func coords(n int) []codec.UserGroupCoordinate {
	out := make([]codec.UserGroupCoordinate, n)
	for i := range out {
		out[i] = codec.UserGroupCoordinate{GroupID: 1578, UserID: i + 1, Location: codec.Location{Lat: 59.85, Lon: 30.37}, Recent: true}
	}
	return out
}

func TestFlushOnSize(t *testing.T) {
	db := &mockCopier{done: make(chan struct{}, 4)}
	st := NewStore(db, "group_coordinate", &StoreConfig{BufSize: 3, TickerDur: time.Hour, MaxAgeFlush: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.Run(ctx)

	st.Put(coords(4), time.Now())
	select {
	case <-db.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no flush")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.calls != 1 || len(db.rows) != 3 || db.tables[0] != `"group_coordinate"` {
		t.Error(db.calls, len(db.rows), db.tables)
	}
}

func TestFlushOnAge(t *testing.T) {
	db := &mockCopier{done: make(chan struct{}, 4)}
	st := NewStore(db, "group_coordinate", &StoreConfig{BufSize: 100, TickerDur: 10 * time.Millisecond, MaxAgeFlush: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.Run(ctx)

	st.Put(coords(2), time.Now())
	select {
	case <-db.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no flush")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.rows) != 2 {
		t.Error(len(db.rows))
	}
}

func TestFlushOnCancel(t *testing.T) {
	db := &mockCopier{}
	st := NewStore(db, "group_coordinate", &StoreConfig{BufSize: 100, TickerDur: time.Hour, MaxAgeFlush: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		st.Run(ctx)
		close(finished)
	}()
	st.Put(coords(5), time.Now())
	cancel()
	<-finished
	if db.calls != 1 || len(db.rows) != 5 {
		t.Error(db.calls, len(db.rows))
	}
}

func TestUnknownPositionsSkipped(t *testing.T) {
	db := &mockCopier{}
	st := NewStore(db, "group_coordinate", &StoreConfig{BufSize: 1})
	st.Put([]codec.UserGroupCoordinate{{GroupID: 1, UserID: 1, Location: codec.Location{Lat: codec.UnknownCoordinate, Lon: codec.UnknownCoordinate}}}, time.Now())
	if len(st.flushc) != 0 || len(st.wbuf.buf) != 0 {
		t.Error(len(st.flushc), len(st.wbuf.buf))
	}
}

type mockExec struct {
	sql  []string
	args [][]interface{}
}

func (m *mockExec) Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error) {
	m.sql = append(m.sql, sql)
	m.args = append(m.args, arguments)
	return pgconn.CommandTag("INSERT 0 1"), nil
}

func TestSaveGroups(t *testing.T) {
	db := &mockExec{}
	if err := InitSchema(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	st := NewMiscStore(db)
	st.SaveGroups(context.Background(), []codec.Group{{ID: "1578", Name: "alpha", Active: true}}, time.Now())
	if len(db.sql) != 2 {
		t.Fatal(db.sql)
	}
	args := db.args[1]
	if args[0] != "1578" || args[1] != "alpha" || args[2] != true {
		t.Error(args)
	}
	var g codec.Group
	if err := json.Unmarshal([]byte(args[3].(string)), &g); err != nil || g.Name != "alpha" {
		t.Error(g, err)
	}
}
