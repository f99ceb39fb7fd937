// Package osmotest runs a scripted line server that speaks enough of the
// group sharing protocol for end to end tests.
package osmotest

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/groupshare/internal/util/wc"
)

// Reply computes the lines answered to a received line.
type Reply func(line string) []string

type rule struct {
	prefix string
	reply  Reply
}

type Server struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	listener net.Listener
	cid      uint64
	rules    []rule
	conns    map[uint64]*wc.Conn
	received []string
	notify   chan struct{}
	wg       sync.WaitGroup
}

// NewServer listens on a random local port.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{listener: ln, conns: map[uint64]*wc.Conn{}, notify: make(chan struct{})}
	s.logger = log.With().Str("module", "osmotest").Logger()
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Default answers the handshake a real server would send for a good key.
func (s *Server) Default() *Server {
	s.Reply("INIT", `INIT|{"id":"1","group":1}`)
	s.Reply("TO", `TO|{"url":"tok"}`)
	s.Reply("TC", "TC|1")
	return s
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Reply answers lines starting with prefix. The first matching rule wins,
// a later rule for the same prefix replaces the earlier one.
func (s *Server) Reply(prefix string, lines ...string) {
	s.Handle(prefix, func(string) []string { return lines })
}

func (s *Server) Handle(prefix string, fn Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].prefix == prefix {
			s.rules[i].reply = fn
			return
		}
	}
	s.rules = append(s.rules, rule{prefix: prefix, reply: fn})
}

// Push writes line to every connected client.
func (s *Server) Push(line string) {
	for _, c := range s.snapshot() {
		c.WriteLine(line)
	}
}

// Drop closes every client connection.
func (s *Server) Drop() {
	for _, c := range s.snapshot() {
		c.Close()
	}
}

func (s *Server) Clients() int {
	return len(s.snapshot())
}

func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

// WaitLine waits for a received line starting with prefix.
func (s *Server) WaitLine(prefix string, timeout time.Duration) (string, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		for _, l := range s.received {
			if strings.HasPrefix(l, prefix) {
				s.mu.Unlock()
				return l, true
			}
		}
		notify := s.notify
		s.mu.Unlock()
		select {
		case <-notify:
		case <-deadline.C:
			return "", false
		}
	}
}

// WaitClients waits until exactly n clients are connected.
func (s *Server) WaitClients(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for s.Clients() != n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

func (s *Server) Close() {
	s.listener.Close()
	s.Drop()
	s.wg.Wait()
}

func (s *Server) snapshot() []*wc.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wc.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.cid++
		c := wc.NewWrappedConn(nc, s.cid, s.logger)
		s.conns[c.Cid()] = c
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *wc.Conn) {
	defer s.wg.Done()
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c.Cid())
		s.mu.Unlock()
	}()
	for {
		line, err := c.ReadLine()
		if err != nil {
			return
		}
		s.logger.Debug().Uint64("cid", c.Cid()).Str("line", line).Msg("received")
		s.mu.Lock()
		s.received = append(s.received, line)
		close(s.notify)
		s.notify = make(chan struct{})
		var reply Reply
		for _, r := range s.rules {
			if strings.HasPrefix(line, r.prefix) {
				reply = r.reply
				break
			}
		}
		s.mu.Unlock()
		if reply == nil {
			continue
		}
		for _, out := range reply(line) {
			if err := c.WriteLine(out); err != nil {
				return
			}
		}
	}
}
