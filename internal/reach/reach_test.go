package reach

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestStaticNotifiesOnChange(t *testing.T) {
	s := NewStatic(Unreachable)
	var got []Status
	cancel := s.Subscribe(func(st Status) { got = append(got, st) })
	s.Set(ReachableWAN)
	s.Set(ReachableWAN)
	s.Set(Unreachable)
	cancel()
	s.Set(ReachableLocal)
	if len(got) != 2 || got[0] != ReachableWAN || got[1] != Unreachable {
		t.Error(got)
	}
	if s.Status() != ReachableLocal || !s.Status().Reachable() {
		t.Error(s.Status())
	}
}

func TestProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	closed, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := closed.Addr().String()
	closed.Close()

	p := NewProber(ProberConfig{WANAddr: ln.Addr().String(), Timeout: time.Second})
	if st := p.Check(context.Background()); st != ReachableWAN {
		t.Error(st)
	}

	p = NewProber(ProberConfig{WANAddr: dead, LocalAddr: ln.Addr().String(), Timeout: time.Second})
	if st := p.Check(context.Background()); st != ReachableLocal {
		t.Error(st)
	}

	ln.Close()
	p = NewProber(ProberConfig{WANAddr: dead, Timeout: time.Second})
	if st := p.Check(context.Background()); st != Unreachable {
		t.Error(st)
	}
}
