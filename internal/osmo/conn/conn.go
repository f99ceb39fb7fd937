package conn

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

const (
	DIAL_START     string = "dial_start"
	DIAL_ERROR     string = "dial_error"
	CONNECTED      string = "connected"
	READ_ERROR     string = "read_error"
	WRITE_ERROR    string = "write_error"
	FRAME_DROPPED  string = "frame_dropped"
	CONN_CLOSED    string = "conn_closed"
	REMOTE_CLOSED  string = "remote_closed"
	SEND_NO_SOCKET string = "send_no_socket"
)

var ErrNoAddress = errors.New("no server address")

// Conn is one connection attempt. Frames sent before the dial completes wait
// in the outbound queue.
type Conn struct {
	cid      uint64
	addr     string
	created  time.Time
	out      chan string
	done     chan struct{}
	mu       sync.Mutex
	nc       net.Conn
	closed   uint32
	once     sync.Once
	errOnce  sync.Once
	byte_in  uint64
	byte_out uint64
}

func newConn(cid uint64, addr string, queue int) *Conn {
	return &Conn{cid: cid, addr: addr, created: time.Now(), out: make(chan string, queue), done: make(chan struct{})}
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Str("addr", c.addr)
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) setNetConn(nc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed() {
		return false
	}
	c.nc = nc
	return true
}

func (c *Conn) close() {
	c.once.Do(func() {
		atomic.StoreUint32(&c.closed, 1)
		close(c.done)
		c.mu.Lock()
		if c.nc != nil {
			c.nc.Close()
		}
		c.mu.Unlock()
	})
}

type Config struct {
	TLS         bool
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	QueueSize   int
}

// Transport owns at most one live Conn. Received lines go to the line
// callback one at a time from the reader goroutine. The error callback fires
// at most once per Connect, and never after Disconnect.
type Transport struct {
	log     log.Logger
	config  Config
	mu      sync.Mutex
	cur     *Conn
	cid     uint64
	onLine  func(string)
	onError func(fatal bool)
	onDrop  func()
}

func NewTransport(config Config) *Transport {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 15 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	t := &Transport{config: config}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "osmo-conn").Value()
	return t
}

func (t *Transport) OnLine(fn func(string)) {
	t.mu.Lock()
	t.onLine = fn
	t.mu.Unlock()
}

func (t *Transport) OnError(fn func(fatal bool)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

// OnDrop is called whenever a frame is dropped because the outbound queue is
// full or there is no connection.
func (t *Transport) OnDrop(fn func()) {
	t.mu.Lock()
	t.onDrop = fn
	t.mu.Unlock()
}

// Connect replaces the current connection with a new one to addr and returns
// immediately. Dialing happens in the background.
func (t *Transport) Connect(addr string) error {
	if addr == "" {
		return ErrNoAddress
	}
	t.mu.Lock()
	old := t.cur
	t.cid++
	c := newConn(t.cid, addr, t.config.QueueSize)
	t.cur = c
	t.mu.Unlock()
	if old != nil {
		old.close()
	}
	go t.run(c)
	return nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	c := t.cur
	t.cur = nil
	t.mu.Unlock()
	if c != nil {
		c.close()
		bin, bout := c.Stat()
		t.log.Info().Str("event", CONN_CLOSED).EmbedObject(c).Uint64("byte_in", bin).Uint64("byte_out", bout).Msg("")
	}
}

// Send queues one frame without its newline. It never blocks.
func (t *Transport) Send(frame string) {
	t.mu.Lock()
	c := t.cur
	drop := t.onDrop
	t.mu.Unlock()
	if c == nil || c.Closed() {
		t.log.Debug().Str("event", SEND_NO_SOCKET).Str("frame", frame).Msg("")
		if drop != nil {
			drop()
		}
		return
	}
	select {
	case c.out <- frame:
	default:
		t.log.Warn().Str("event", FRAME_DROPPED).EmbedObject(c).Str("frame", frame).Msg("outbound queue full")
		if drop != nil {
			drop()
		}
	}
}

// Connected reports whether the current connection finished dialing and is
// still open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil || c.Closed() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil
}

func (t *Transport) current(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur == c
}

func (t *Transport) dial(addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: t.config.DialTimeout}
	if t.config.TLS {
		cfg := t.config.TLSConfig
		if cfg == nil {
			host, _, _ := net.SplitHostPort(addr)
			cfg = &tls.Config{ServerName: host}
		}
		return tls.DialWithDialer(d, "tcp", addr, cfg)
	}
	return d.Dial("tcp", addr)
}

func (t *Transport) run(c *Conn) {
	t.log.Info().Str("event", DIAL_START).EmbedObject(c).Bool("tls", t.config.TLS).Msg("")
	nc, err := t.dial(c.addr)
	if err != nil {
		t.log.Error().Str("event", DIAL_ERROR).EmbedObject(c).Err(err).Msg("")
		t.fail(c, true)
		return
	}
	if !c.setNetConn(nc) {
		nc.Close()
		return
	}
	t.log.Info().Str("event", CONNECTED).EmbedObject(c).Msg("")
	go t.writer(c, nc)

	r := bufio.NewReader(nc)
	for {
		line, err := r.ReadString('\n')
		atomic.AddUint64(&c.byte_in, uint64(len(line)))
		if line = strings.TrimRight(line, "\r\n"); line != "" && !c.Closed() {
			t.deliver(c, line)
		}
		if err != nil {
			if c.Closed() {
				return
			}
			if errors.Is(err, io.EOF) {
				t.log.Info().Str("event", REMOTE_CLOSED).EmbedObject(c).Msg("")
				t.fail(c, false)
			} else {
				t.log.Error().Str("event", READ_ERROR).EmbedObject(c).Err(err).Msg("")
				t.fail(c, true)
			}
			return
		}
	}
}

func (t *Transport) writer(c *Conn, nc net.Conn) {
	for {
		select {
		case frame := <-c.out:
			n, err := io.WriteString(nc, frame+"\n")
			atomic.AddUint64(&c.byte_out, uint64(n))
			if err != nil {
				if c.Closed() {
					return
				}
				t.log.Error().Str("event", WRITE_ERROR).EmbedObject(c).Err(err).Msg("")
				t.fail(c, true)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (t *Transport) deliver(c *Conn, line string) {
	t.mu.Lock()
	fn := t.onLine
	cur := t.cur == c
	t.mu.Unlock()
	if fn != nil && cur {
		fn(line)
	}
}

// fail tears c down and reports it, unless c was already replaced or closed
// on purpose.
func (t *Transport) fail(c *Conn, fatal bool) {
	if c.Closed() {
		return
	}
	c.close()
	if !t.current(c) {
		return
	}
	t.mu.Lock()
	t.cur = nil
	fn := t.onError
	t.mu.Unlock()
	c.errOnce.Do(func() {
		if fn != nil {
			fn(fatal)
		}
	})
}
