package logqueue

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/groupshare/internal/osmo/sublist"
)

// Entry is one diagnostic message.
type Entry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Batch is a group of entries written out together.
type Batch struct {
	Seq     uint64    `json:"seq"`
	First   time.Time `json:"first"`
	Flushed time.Time `json:"flushed"`
	Entries []Entry   `json:"entries"`
}

type Config struct {
	// Writer receives one json line per entry. Nil means the global zerolog
	// logger.
	Writer   io.Writer
	BufSize  int
	TimerDur time.Duration
	Capacity int
	History  int
}

// Queue is the diagnostic log sink. Enqueue never blocks the caller, when
// the intake is full the message is dropped and counted.
type Queue struct {
	logger  zerolog.Logger
	config  Config
	in      chan Entry
	wlock   sync.Mutex
	wbuf    Batch
	hlock   sync.RWMutex
	history []Entry
	dropped uint64
	onDrop  func()
	flushed *sublist.Dispatcher[Batch]
}

func NewQueue(config Config) *Queue {
	if config.BufSize <= 0 {
		config.BufSize = 32
	}
	if config.TimerDur <= 0 {
		config.TimerDur = 5 * time.Second
	}
	if config.Capacity <= 0 {
		config.Capacity = 1024
	}
	if config.History <= 0 {
		config.History = 200
	}
	q := &Queue{config: config}
	if config.Writer != nil {
		q.logger = zerolog.New(config.Writer).With().Str("module", "logqueue").Logger()
	} else {
		q.logger = log.With().Str("module", "logqueue").Logger()
	}
	q.in = make(chan Entry, config.Capacity)
	q.wbuf = newBatch(0, config.BufSize)
	q.history = make([]Entry, 0, config.History)
	q.flushed = sublist.NewDispatcher[Batch]()
	return q
}

func newBatch(seq uint64, n int) Batch {
	return Batch{Seq: seq, Entries: make([]Entry, 0, n)}
}

// OnDrop registers a callback for dropped messages.
func (q *Queue) OnDrop(fn func()) {
	q.wlock.Lock()
	q.onDrop = fn
	q.wlock.Unlock()
}

// Flushed is notified with every batch after it was written.
func (q *Queue) Flushed() *sublist.Dispatcher[Batch] {
	return q.flushed
}

func (q *Queue) Enqueue(msg string) {
	select {
	case q.in <- Entry{At: time.Now(), Message: msg}:
	default:
		q.wlock.Lock()
		q.dropped++
		fn := q.onDrop
		q.wlock.Unlock()
		if fn != nil {
			fn()
		}
	}
}

func (q *Queue) Dropped() uint64 {
	q.wlock.Lock()
	defer q.wlock.Unlock()
	return q.dropped
}

// Run collects entries until ctx is done, flushing when a batch is full or
// older than TimerDur. Pending entries are flushed on return.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.config.TimerDur / 2)
	defer ticker.Stop()
	for {
		select {
		case e := <-q.in:
			q.add(e)
		case t := <-ticker.C:
			q.wlock.Lock()
			stale := len(q.wbuf.Entries) != 0 && t.Sub(q.wbuf.First) >= q.config.TimerDur
			q.wlock.Unlock()
			if stale {
				q.Flush()
			}
		case <-ctx.Done():
			for {
				select {
				case e := <-q.in:
					q.add(e)
				default:
					q.Flush()
					return
				}
			}
		}
	}
}

func (q *Queue) add(e Entry) {
	q.wlock.Lock()
	if len(q.wbuf.Entries) == 0 {
		q.wbuf.First = e.At
	}
	q.wbuf.Entries = append(q.wbuf.Entries, e)
	full := len(q.wbuf.Entries) >= q.config.BufSize
	q.wlock.Unlock()
	if full {
		q.Flush()
	}
}

// Flush writes the pending batch now.
func (q *Queue) Flush() {
	q.wlock.Lock()
	if len(q.wbuf.Entries) == 0 {
		q.wlock.Unlock()
		return
	}
	b := q.wbuf
	b.Flushed = time.Now()
	q.wbuf = newBatch(b.Seq+1, q.config.BufSize)
	q.wlock.Unlock()

	for _, e := range b.Entries {
		q.logger.Info().Time("at", e.At).Uint64("seq", b.Seq).Msg(e.Message)
	}
	q.hlock.Lock()
	for _, e := range b.Entries {
		if len(q.history) == q.config.History {
			copy(q.history, q.history[1:])
			q.history = q.history[:len(q.history)-1]
		}
		q.history = append(q.history, e)
	}
	q.hlock.Unlock()
	q.flushed.Notify(b)
}

// Snapshot returns the most recent flushed entries, oldest first.
func (q *Queue) Snapshot() []Entry {
	q.hlock.RLock()
	defer q.hlock.RUnlock()
	out := make([]Entry, len(q.history))
	copy(out, q.history)
	return out
}
