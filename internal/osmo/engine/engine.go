package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/groupshare/internal/metrics"
	"nuha.dev/groupshare/internal/osmo/codec"
	"nuha.dev/groupshare/internal/osmo/sublist"
)

const (
	TOPIC_ANSWER         string = "answer"
	TOPIC_GROUP_LIST     string = "group.list"
	TOPIC_COORDINATE_ACK string = "coordinate.ack"
)

const (
	CONNECT            string = "connect"
	STATE_CHANGE       string = "state_change"
	UNRECOGNIZED_FRAME string = "unrecognized_frame"
	DECODE_ERROR       string = "decode_error"
	UNEXPECTED_FRAME   string = "unexpected_frame"
	TRANSPORT_ERROR    string = "transport_error"
	REMOTE_COMMAND     string = "remote_command"
	KICKED             string = "kicked"
	EMIT_ERROR         string = "emit_error"
)

var (
	ErrIllegalState = errors.New("illegal state for connect")
	ErrSessionURL   = errors.New("session url is not available")
)

type State int32

const (
	Idle State = iota
	Connecting
	Authenticated
	SessionOpen
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case SessionOpen:
		return "session_open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Transport is the socket the engine drives.
type Transport interface {
	Connect(addr string) error
	Disconnect()
	Send(frame string)
	OnLine(fn func(string))
	OnError(fn func(fatal bool))
}

// Sink receives human readable diagnostic messages.
type Sink interface {
	Enqueue(msg string)
}

// Answer is published on TOPIC_ANSWER. Name carries the group name or id for
// group answers, Message the server error text for failed answers.
type Answer struct {
	Tag     codec.Tag
	Name    string
	OK      bool
	Message string
}

type Config struct {
	// SessionHost is the host of the public session url.
	SessionHost string
	SystemInfo  codec.SystemInfo
	Node        uint64
}

type Engine struct {
	log         log.Logger
	config      Config
	transport   Transport
	bus         *bus.Bus
	metrics     *metrics.Metrics
	sink        Sink
	coordinates *sublist.Dispatcher[[]codec.UserGroupCoordinate]

	lineMu sync.Mutex

	mu           sync.Mutex
	state        State
	sessionToken string
	monitored    func(groupID int) bool
	onTransport  func(fatal bool)
	sent         uint64
}

func NewEngine(t Transport, config Config, m *metrics.Metrics, sink Sink) (*Engine, error) {
	if config.SessionHost == "" {
		config.SessionHost = "osmo.mobi"
	}
	if config.Node == 0 {
		config.Node = 1
	}
	if config.SystemInfo.Go == "" {
		config.SystemInfo = DefaultSystemInfo("groupshare", "dev")
	}
	e := &Engine{config: config, transport: t, metrics: m, sink: sink}
	e.log = log.DefaultLogger
	e.log.Context = log.NewContext(nil).Str("module", "osmo-engine").Value()
	e.coordinates = sublist.NewDispatcher[[]codec.UserGroupCoordinate]()
	e.monitored = func(int) bool { return false }

	b, err := newBus(config.Node)
	if err != nil {
		return nil, err
	}
	e.bus = b
	t.OnLine(e.HandleLine)
	t.OnError(e.transportError)
	return e, nil
}

func newBus(node uint64) (*bus.Bus, error) {
	// 2020-01-01 as monoton epoch
	initialTime := uint64(1577836800000)
	m, err := monoton.New(sequencer.NewMillisecond(), node, initialTime)
	if err != nil {
		return nil, fmt.Errorf("monoton: %w", err)
	}
	var idGen bus.Next = m.Next
	b, err := bus.NewBus(idGen)
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	b.RegisterTopics(TOPIC_ANSWER, TOPIC_GROUP_LIST, TOPIC_COORDINATE_ACK)
	return b, nil
}

func DefaultSystemInfo(app, version string) codec.SystemInfo {
	host, _ := os.Hostname()
	return codec.SystemInfo{App: app, Version: version, OS: runtime.GOOS, Arch: runtime.GOARCH, Go: runtime.Version(), Hostname: host}
}

// Handle registers fn for every event published on topic. key must be unique
// per engine. Handlers run on the line processing goroutine and must not
// register or deregister bus handlers themselves.
func (e *Engine) Handle(topic string, key string, fn func(data interface{})) error {
	if key == "" {
		return errors.New("empty handler key")
	}
	e.bus.RegisterHandler(key, bus.Handler{
		Handle: func(ctx context.Context, ev bus.Event) {
			fn(ev.Data)
		},
		Matcher: "^" + regexp.QuoteMeta(topic) + "$",
	})
	return nil
}

func (e *Engine) Unhandle(key string) {
	e.bus.DeregisterHandler(key)
}

// SetMonitored installs the accessor consulted right before a group
// coordinate update is relayed.
func (e *Engine) SetMonitored(fn func(groupID int) bool) {
	e.mu.Lock()
	e.monitored = fn
	e.mu.Unlock()
}

// OnTransportError installs the callback run after the transport failed.
// The engine is already Closed when it runs.
func (e *Engine) OnTransportError(fn func(fatal bool)) {
	e.mu.Lock()
	e.onTransport = fn
	e.mu.Unlock()
}

func (e *Engine) AttachCoordinates(fn func([]codec.UserGroupCoordinate)) *sublist.Entry[[]codec.UserGroupCoordinate] {
	return e.coordinates.Add(fn)
}

func (e *Engine) DetachCoordinates(h *sublist.Entry[[]codec.UserGroupCoordinate]) bool {
	return e.coordinates.Remove(h)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) SentCoordinates() uint64 {
	return atomic.LoadUint64(&e.sent)
}

func (e *Engine) setState(s State) State {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Debug().Str("event", STATE_CHANGE).Str("from", prev.String()).Str("to", s.String()).Msg("")
		e.metrics.SetState(int(s))
	}
	return prev
}

func (e *Engine) enqueue(msg string) {
	if e.sink != nil {
		e.sink.Enqueue(msg)
	}
}

func (e *Engine) send(cmd codec.Command, frame string) {
	e.metrics.FrameSent(string(cmd))
	e.transport.Send(frame)
}

func (e *Engine) emit(topic string, data interface{}) {
	if err := e.bus.Emit(context.Background(), topic, data); err != nil {
		e.log.Error().Str("event", EMIT_ERROR).Str("topic", topic).Err(err).Msg("")
	}
}

// Connect starts a new connection and sends the auth frame. It returns
// ErrIllegalState while a previous attempt is still Connecting.
func (e *Engine) Connect(deviceKey, addr string) error {
	e.mu.Lock()
	prev := e.state
	if prev == Connecting {
		e.mu.Unlock()
		return ErrIllegalState
	}
	e.state = Connecting
	e.sessionToken = ""
	e.mu.Unlock()
	e.metrics.SetState(int(Connecting))

	if prev == Authenticated || prev == SessionOpen {
		e.transport.Disconnect()
	}
	e.log.Info().Str("event", CONNECT).Str("addr", addr).Str("prev", prev.String()).Msg("")
	e.transport.OnLine(e.HandleLine)
	if err := e.transport.Connect(addr); err != nil {
		e.setState(Closed)
		return err
	}
	e.send(codec.AUTH, codec.EncodeAuth(deviceKey))
	e.enqueue("send auth")
	return nil
}

func (e *Engine) Disconnect() {
	e.setState(Closed)
	e.transport.Disconnect()
}

func authed(s State) bool {
	return s == Authenticated || s == SessionOpen
}

// OpenSession and the other commands report whether a frame was sent.
func (e *Engine) OpenSession() bool {
	if !authed(e.State()) {
		return false
	}
	e.send(codec.OPEN_SESSION, codec.EncodeOpenSession())
	return true
}

func (e *Engine) CloseSession() bool {
	if !authed(e.State()) {
		return false
	}
	e.send(codec.CLOSE_SESSION, codec.EncodeCloseSession())
	return true
}

func (e *Engine) SendGetGroups() bool {
	if !authed(e.State()) {
		return false
	}
	e.send(codec.GET_GROUPS, codec.EncodeGetGroups())
	return true
}

func (e *Engine) SendEnterGroup(name, nick string) bool {
	if !authed(e.State()) {
		return false
	}
	e.send(codec.ENTER_GROUP, codec.EncodeEnterGroup(name, nick))
	return true
}

func (e *Engine) SendLeaveGroup(u string) bool {
	if !authed(e.State()) {
		return false
	}
	e.send(codec.LEAVE_GROUP, codec.EncodeLeaveGroup(u))
	return true
}

func (e *Engine) SendActivateAllGroups() bool {
	if !authed(e.State()) {
		return false
	}
	e.send(codec.ACTIVATE_ALL_GROUP, codec.EncodeActivateAllGroups())
	return true
}

func (e *Engine) SendDeactivateAllGroups() bool {
	if !authed(e.State()) {
		return false
	}
	e.send(codec.DEACTIVATE_ALL_GROUP, codec.EncodeDeactivateAllGroups())
	return true
}

// SendCoordinates sends one frame per location while a session is open.
func (e *Engine) SendCoordinates(locs []codec.Location) bool {
	if e.State() != SessionOpen {
		return false
	}
	for _, l := range locs {
		frame := codec.EncodeCoordinate(l)
		e.send(codec.COORDINATE, frame)
		e.enqueue(frame)
	}
	return true
}

func (e *Engine) SessionURL() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionToken == "" {
		return "", ErrSessionURL
	}
	return "https://" + e.config.SessionHost + "/s/" + e.sessionToken, nil
}

func (e *Engine) transportError(fatal bool) {
	e.lineMu.Lock()
	prev := e.setState(Closed)
	e.mu.Lock()
	fn := e.onTransport
	e.mu.Unlock()
	e.lineMu.Unlock()
	e.log.Warn().Str("event", TRANSPORT_ERROR).Bool("fatal", fatal).Str("prev", prev.String()).Msg("")
	e.enqueue(fmt.Sprintf("transport error fatal=%v", fatal))
	if fn != nil {
		fn(fatal)
	}
}

// HandleLine processes one received line to completion, including event
// emission, before the next line is admitted.
func (e *Engine) HandleLine(line string) {
	e.lineMu.Lock()
	defer e.lineMu.Unlock()

	f, err := codec.Decode(line)
	if err != nil {
		e.metrics.Unrecognized()
		e.log.Debug().Str("event", UNRECOGNIZED_FRAME).Str("line", line).Err(err).Msg("")
		e.enqueue("unrecognized: " + line)
		if errors.Is(err, codec.ErrBadBody) && e.State() == Connecting {
			e.emit(TOPIC_ANSWER, Answer{Tag: f.Tag, OK: false, Message: err.Error()})
		}
		return
	}
	e.metrics.FrameReceived(f.Tag.String())

	switch f.Tag {
	case codec.TagAuth, codec.TagToken:
		e.handleAuth(f)
	case codec.TagOpenedSession:
		e.handleOpenedSession(f)
	case codec.TagCloseSession:
		ok := codec.ParseBoolAnswer(f.Body)
		if ok {
			e.mu.Lock()
			if e.state == SessionOpen {
				e.state = Authenticated
			}
			e.sessionToken = ""
			e.mu.Unlock()
			e.metrics.SetState(int(e.State()))
		}
		e.enqueue("session closed answer")
		e.emit(TOPIC_ANSWER, Answer{Tag: codec.TagCloseSession, OK: ok, Message: "session was closed"})
	case codec.TagKick:
		e.setState(Closed)
		e.transport.Disconnect()
		e.log.Warn().Str("event", KICKED).Str("body", f.Body).Msg("")
		e.enqueue("connection kicked")
		e.emit(TOPIC_ANSWER, Answer{Tag: codec.TagKick, Message: "kicked"})
	case codec.TagPong:
		e.send(codec.PING, codec.EncodePing())
		e.enqueue("server wants answer")
	case codec.TagCoordinate:
		n := atomic.AddUint64(&e.sent, 1)
		e.metrics.CoordinateAcked()
		e.emit(TOPIC_COORDINATE_ACK, n)
	case codec.TagEnterGroup, codec.TagLeaveGroup:
		e.emit(TOPIC_ANSWER, Answer{Tag: f.Tag, Name: f.Param, OK: codec.ParseBoolAnswer(f.Body)})
	case codec.TagGetGroups:
		e.handleGroupList(f)
	case codec.TagGroupsDisabled:
		e.emit(TOPIC_ANSWER, Answer{Tag: codec.TagGroupsEnabled, OK: !codec.ParseBoolAnswer(f.Body)})
	case codec.TagGroupsEnabled:
		e.emit(TOPIC_ANSWER, Answer{Tag: codec.TagGroupsEnabled, OK: codec.ParseBoolAnswer(f.Body)})
	case codec.TagRemoteCommand:
		e.handleRemoteCommand(f)
	case codec.TagGroupCoordinates:
		e.handleGroupCoordinates(f)
	}
}

func (e *Engine) handleAuth(f codec.Frame) {
	if s := e.State(); s != Connecting {
		e.log.Warn().Str("event", UNEXPECTED_FRAME).Str("tag", f.Tag.String()).Str("state", s.String()).Msg("")
		return
	}
	failed, msg, err := codec.ParseError(f.Body)
	if err != nil {
		// The frame is dropped and the state stays Connecting.
		e.metrics.DecodeError(f.Tag.String())
		e.log.Error().Str("event", DECODE_ERROR).Str("tag", f.Tag.String()).Err(err).Msg("")
		e.emit(TOPIC_ANSWER, Answer{Tag: codec.TagAuth, OK: false, Message: err.Error()})
		return
	}
	if failed {
		e.setState(Closed)
		e.transport.Disconnect()
		e.enqueue("auth rejected: " + msg)
		e.emit(TOPIC_ANSWER, Answer{Tag: codec.TagAuth, OK: false, Message: msg})
		return
	}
	e.setState(Authenticated)
	e.enqueue("connected")
	e.emit(TOPIC_ANSWER, Answer{Tag: codec.TagAuth, OK: true})
	if info, err := codec.ParseAuth(f.Body); err == nil && info.HasGroup {
		e.emit(TOPIC_ANSWER, Answer{Tag: codec.TagGroupsEnabled, OK: info.Groups})
	}
}

func (e *Engine) handleOpenedSession(f codec.Frame) {
	e.enqueue("session opened answer")
	failed, msg, err := codec.ParseError(f.Body)
	if err != nil {
		e.metrics.DecodeError(f.Tag.String())
		e.log.Error().Str("event", DECODE_ERROR).Str("tag", f.Tag.String()).Err(err).Msg("open session answer cannot be parsed")
		return
	}
	if !failed {
		if !authed(e.State()) {
			e.log.Warn().Str("event", UNEXPECTED_FRAME).Str("tag", f.Tag.String()).Str("state", e.State().String()).Msg("")
			return
		}
		token, ok := codec.ParseSessionToken(f.Body)
		e.mu.Lock()
		e.state = SessionOpen
		e.sessionToken = token
		e.mu.Unlock()
		e.metrics.SetState(int(SessionOpen))
		if !ok {
			e.log.Error().Str("event", DECODE_ERROR).Str("tag", f.Tag.String()).Msg("session url missing")
		}
	}
	e.emit(TOPIC_ANSWER, Answer{Tag: codec.TagOpenedSession, OK: !failed, Message: msg})
}

func (e *Engine) handleGroupList(f codec.Frame) {
	groups, err := codec.DecodeGroups(f.Body)
	if err != nil {
		e.metrics.DecodeError(f.Tag.String())
		e.log.Error().Str("event", DECODE_ERROR).Str("tag", f.Tag.String()).Int("valid", len(groups)).Err(err).Msg("")
		if groups == nil {
			e.enqueue("error: wrong parsing groups list")
			return
		}
	}
	e.emit(TOPIC_GROUP_LIST, groups)
}

func (e *Engine) handleRemoteCommand(f codec.Frame) {
	e.log.Info().Str("event", REMOTE_COMMAND).Str("command", f.Param).Msg("")
	if f.Param != codec.TRACKER_SYSTEM_INFO {
		return
	}
	frame, err := codec.EncodeSystemInfo(e.config.SystemInfo)
	if err != nil {
		e.log.Error().Str("event", REMOTE_COMMAND).Err(err).Msg("system info")
		return
	}
	e.send(codec.SYSTEM_INFO, frame)
}

func (e *Engine) handleGroupCoordinates(f codec.Frame) {
	gid, err := codec.ParseGroupID(f.Param)
	if err != nil {
		e.metrics.DecodeError(f.Tag.String())
		e.log.Error().Str("event", DECODE_ERROR).Str("tag", f.Tag.String()).Str("param", f.Param).Err(err).Msg("")
		return
	}
	coords, err := codec.DecodeGroupCoordinates(gid, f.Body)
	if err != nil {
		e.metrics.DecodeError(f.Tag.String())
		e.log.Error().Str("event", DECODE_ERROR).Str("tag", f.Tag.String()).Int("group", gid).Err(err).Msg("")
		if coords == nil {
			e.enqueue("error: wrong parsing coordinate array")
			return
		}
	}
	e.mu.Lock()
	monitored := e.monitored
	e.mu.Unlock()
	if !monitored(gid) {
		return
	}
	e.metrics.CoordinatesRelayed(len(coords))
	e.coordinates.Notify(coords)
}

// WaitState polls until the engine reaches want or ctx is done.
func (e *Engine) WaitState(ctx context.Context, want State) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if e.State() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
