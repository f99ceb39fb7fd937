package reach

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/groupshare/internal/osmo/sublist"
)

const (
	STATUS_CHANGE string = "reachability_change"
	PROBE_FAILED  string = "probe_failed"
)

type Status int

const (
	Unreachable Status = iota
	ReachableLocal
	ReachableWAN
)

func (s Status) String() string {
	switch s {
	case ReachableLocal:
		return "local"
	case ReachableWAN:
		return "wan"
	}
	return "unreachable"
}

func (s Status) Reachable() bool {
	return s != Unreachable
}

// Monitor reports connectivity. Subscribers are notified only on change and
// the returned func removes the subscription.
type Monitor interface {
	Status() Status
	Subscribe(fn func(Status)) (cancel func())
}

type notifier struct {
	mu     sync.Mutex
	status Status
	subs   *sublist.Dispatcher[Status]
}

func newNotifier(initial Status) *notifier {
	return &notifier{status: initial, subs: sublist.NewDispatcher[Status]()}
}

func (n *notifier) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *notifier) Subscribe(fn func(Status)) func() {
	e := n.subs.Add(fn)
	return func() { n.subs.Remove(e) }
}

func (n *notifier) set(s Status) bool {
	n.mu.Lock()
	changed := n.status != s
	n.status = s
	n.mu.Unlock()
	if changed {
		n.subs.Notify(s)
	}
	return changed
}

// Static is a monitor whose status is set by hand.
type Static struct {
	*notifier
}

func NewStatic(initial Status) *Static {
	return &Static{newNotifier(initial)}
}

func (s *Static) Set(st Status) {
	s.set(st)
}

type ProberConfig struct {
	// WANAddr is dialed to decide wide-area reachability, usually the
	// tracking server itself.
	WANAddr string
	// LocalAddr is dialed when WANAddr fails. Empty skips the local check.
	LocalAddr string
	Interval  time.Duration
	Timeout   time.Duration
}

// Prober classifies connectivity by dialing well known addresses on a
// ticker.
type Prober struct {
	*notifier
	log    log.Logger
	config ProberConfig
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewProber(config ProberConfig) *Prober {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	p := &Prober{notifier: newNotifier(Unreachable), config: config}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "reach").Value()
	d := &net.Dialer{}
	p.dial = d.DialContext
	return p
}

func (p *Prober) probe(ctx context.Context, addr string) bool {
	if addr == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	c, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		p.log.Debug().Str("event", PROBE_FAILED).Str("addr", addr).Err(err).Msg("")
		return false
	}
	c.Close()
	return true
}

// Check runs one probe round and updates the status.
func (p *Prober) Check(ctx context.Context) Status {
	st := Unreachable
	if p.probe(ctx, p.config.WANAddr) {
		st = ReachableWAN
	} else if p.probe(ctx, p.config.LocalAddr) {
		st = ReachableLocal
	}
	prev := p.Status()
	if p.set(st) {
		p.log.Info().Str("event", STATUS_CHANGE).Str("from", prev.String()).Str("to", st.String()).Msg("")
	}
	return st
}

func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
