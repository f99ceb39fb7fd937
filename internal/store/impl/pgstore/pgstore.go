package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/groupshare/internal/osmo/codec"
	"nuha.dev/groupshare/internal/store"
)

const (
	FLUSH       string = "flush"
	FLUSH_ERROR string = "flush_error"
	FLUSH_DROP  string = "flush_drop"
)

// Copier is the part of pgxpool.Pool used for bulk inserts.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type Store struct {
	config *StoreConfig
	wlock  sync.Mutex
	wbuf   buffer
	flushc chan buffer
	db     Copier
	log    log.Logger
	table  string
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
	// Pending is the number of full buffers allowed to wait for the writer.
	Pending int
}

type buffer struct {
	seq uint64
	t1  time.Time
	t2  time.Time
	buf []store.Record
}

func newBuffer(seq uint64, size int) buffer {
	return buffer{seq: seq, buf: make([]store.Record, 0, size)}
}

func NewStore(db Copier, table string, config *StoreConfig) *Store {
	if config.BufSize <= 0 {
		config.BufSize = 256
	}
	if config.TickerDur <= 0 {
		config.TickerDur = time.Second
	}
	if config.MaxAgeFlush <= 0 {
		config.MaxAgeFlush = 5 * time.Second
	}
	if config.Pending <= 0 {
		config.Pending = 4
	}
	o := &Store{}
	o.config = config
	o.table = table
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Str("table", table).Value()
	o.wbuf = newBuffer(0, config.BufSize)
	o.flushc = make(chan buffer, config.Pending)
	return o
}

// Run writes buffers until ctx is done, then writes what is left.
func (st *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	st.log.Info().Msg("starting flusher task")
	for {
		select {
		case b := <-st.flushc:
			st.write(ctx, b)
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		case <-ctx.Done():
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 {
				st.flush()
			}
			st.wlock.Unlock()
			for {
				select {
				case b := <-st.flushc:
					st.write(context.Background(), b)
				default:
					return
				}
			}
		}
	}
}

func (st *Store) Put(coords []codec.UserGroupCoordinate, received time.Time) {
	recs := store.Records(coords, received)
	if len(recs) == 0 {
		return
	}
	st.wlock.Lock()
	defer st.wlock.Unlock()
	for _, r := range recs {
		if len(st.wbuf.buf) == 0 {
			st.wbuf.t1 = time.Now().UTC()
		}
		st.wbuf.buf = append(st.wbuf.buf, r)
		if len(st.wbuf.buf) == st.config.BufSize {
			st.flush()
		}
	}
}

// flush hands the write buffer to the writer. Caller holds wlock.
func (st *Store) flush() {
	next := st.wbuf.seq + 1
	st.wbuf.t2 = time.Now().UTC()
	select {
	case st.flushc <- st.wbuf:
	default:
		st.log.Warn().Str("event", FLUSH_DROP).Uint64("seq", st.wbuf.seq).Int("length", len(st.wbuf.buf)).Msg("writer is behind")
	}
	st.wbuf = newBuffer(next, st.config.BufSize)
}

func (st *Store) write(ctx context.Context, b buffer) {
	t1 := time.Now()
	_, err := st.db.CopyFrom(ctx,
		pgx.Identifier{st.table},
		store.Columns,
		pgx.CopyFromSlice(len(b.buf), func(i int) ([]interface{}, error) {
			return b.buf[i].Values(), nil
		}))
	if err != nil {
		st.log.Error().Str("event", FLUSH_ERROR).Uint64("seq", b.seq).Err(err).Msg("")
		return
	}
	st.log.Debug().Str("event", FLUSH).Uint64("seq", b.seq).Int("length", len(b.buf)).Dur("time_taken", time.Since(t1)).Msg("")
}
