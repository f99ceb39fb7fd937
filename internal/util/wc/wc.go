package wc

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Conn wraps a server side net.Conn for newline framed text.
type Conn struct {
	reader   *bufio.Reader
	conn     net.Conn
	wlock    sync.Mutex
	closed   uint32
	raddr    string
	cid      uint64
	created  time.Time
	byte_in  uint64
	byte_out uint64
	logger   zerolog.Logger
}

func NewWrappedConn(conn net.Conn, cid uint64, logger zerolog.Logger) *Conn {
	o := &Conn{reader: bufio.NewReader(conn), conn: conn, raddr: conn.RemoteAddr().String(), cid: cid}
	o.created = time.Now()
	o.logger = logger.With().Str("module", "wconn").Logger()
	o.logger.Debug().Str("remote_address", o.raddr).Uint64("cid", o.cid).Msg("connection created")
	return o
}

// ReadLine returns the next line without its terminator.
func (c *Conn) ReadLine() (string, error) {
	d, err := c.reader.ReadString('\n')
	atomic.AddUint64(&c.byte_in, uint64(len(d)))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(d, "\r\n"), nil
}

func (c *Conn) WriteLine(line string) error {
	c.wlock.Lock()
	defer c.wlock.Unlock()
	n, err := c.conn.Write([]byte(line + "\n"))
	atomic.AddUint64(&c.byte_out, uint64(n))
	return err
}

func (c *Conn) Close() {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}
	c.conn.Close()
	c.logger.Debug().Uint64("byte_in", atomic.LoadUint64(&c.byte_in)).Uint64("byte_out", atomic.LoadUint64(&c.byte_out)).Uint64("cid", c.cid).Msg("connection closed")
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) RemoteAddr() string {
	return c.raddr
}

func (c *Conn) Created() time.Time {
	return c.created
}
