package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/phuslu/log"
	"golang.org/x/time/rate"
	"nuha.dev/groupshare/internal/credential"
	"nuha.dev/groupshare/internal/metrics"
	"nuha.dev/groupshare/internal/osmo/codec"
	"nuha.dev/groupshare/internal/osmo/engine"
	"nuha.dev/groupshare/internal/osmo/sublist"
	"nuha.dev/groupshare/internal/reach"
)

const (
	CONNECT_SKIPPED   string = "connect_skipped"
	CONNECT_FAILED    string = "connect_failed"
	NO_CREDENTIAL     string = "no_credential"
	CREDENTIAL_ERROR  string = "credential_error"
	RECONNECT         string = "reconnect"
	IGNORED_COMMAND   string = "ignored_command"
	MONITORING_ATTACH string = "monitoring_attach"
	MONITORING_DETACH string = "monitoring_detach"
	TRANSPORT_LOST    string = "transport_lost"
)

// Protocol is the part of the protocol engine the manager drives.
type Protocol interface {
	Connect(deviceKey, addr string) error
	Disconnect()
	OpenSession() bool
	CloseSession() bool
	SendGetGroups() bool
	SendEnterGroup(name, nick string) bool
	SendLeaveGroup(u string) bool
	SendActivateAllGroups() bool
	SendDeactivateAllGroups() bool
	SendCoordinates(locs []codec.Location) bool
	SessionURL() (string, error)
	OnTransportError(fn func(fatal bool))
	SetMonitored(fn func(groupID int) bool)
	Handle(topic string, key string, fn func(data interface{})) error
	AttachCoordinates(fn func([]codec.UserGroupCoordinate)) *sublist.Entry[[]codec.UserGroupCoordinate]
	DetachCoordinates(h *sublist.Entry[[]codec.UserGroupCoordinate]) bool
}

// Result is the payload of connection-run and session-run events. Soft
// failures are internal and not meant to be shown to a user.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Soft    bool   `json:"soft,omitempty"`
}

// GroupResult answers an enter or leave request. Name is the group name for
// enter and the group id for leave.
type GroupResult struct {
	OK   bool   `json:"ok"`
	Name string `json:"name"`
}

type Config struct {
	// Executor runs connect work. Nil starts a goroutine per attempt.
	Executor func(task func())
	// ReconnectLimit bounds connect attempts per second. Zero is unlimited.
	ReconnectLimit rate.Limit
	ReconnectBurst int
}

// Status is a point in time copy of the manager state flags.
type Status struct {
	Connected        bool   `json:"connected"`
	SessionOpened    bool   `json:"session_opened"`
	ShouldReconnect  bool   `json:"should_reconnect"`
	Connecting       bool   `json:"connecting"`
	Reachability     string `json:"reachability"`
	MonitoringGroups []int  `json:"monitoring_groups"`
}

// Manager is the single facade of the client. It owns the connection flags,
// the reconnect policy and the monitoring set, and republishes protocol
// events on its own dispatchers.
type Manager struct {
	log     log.Logger
	proto   Protocol
	creds   credential.Provider
	reach   reach.Monitor
	metrics *metrics.Metrics
	sink    engine.Sink
	exec    func(func())
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	ConnectionRun     *sublist.Dispatcher[Result]
	SessionRun        *sublist.Dispatcher[Result]
	GroupEntered      *sublist.Dispatcher[GroupResult]
	GroupLeft         *sublist.Dispatcher[GroupResult]
	GroupList         *sublist.Dispatcher[[]codec.Group]
	MonitoringUpdated *sublist.Dispatcher[[]codec.UserGroupCoordinate]
	GroupsEnabled     *sublist.Dispatcher[bool]
	CoordinatesSent   *sublist.Dispatcher[uint64]

	mu              sync.Mutex
	connected       bool
	sessionOpened   bool
	shouldReconnect bool
	connecting      bool
	lostInFlight    bool
	errHandlerSet   bool
	monitoring      map[int]struct{}

	monitorMu     sync.Mutex
	monitorHandle *sublist.Entry[[]codec.UserGroupCoordinate]

	unsubscribe func()
}

func NewManager(proto Protocol, creds credential.Provider, monitor reach.Monitor, config Config, m *metrics.Metrics, sink engine.Sink) (*Manager, error) {
	s := &Manager{proto: proto, creds: creds, reach: monitor, metrics: m, sink: sink}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "session").Value()
	s.exec = config.Executor
	if s.exec == nil {
		s.exec = func(task func()) { go task() }
	}
	if config.ReconnectLimit > 0 {
		burst := config.ReconnectBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(config.ReconnectLimit, burst)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.monitoring = make(map[int]struct{})

	s.ConnectionRun = sublist.NewDispatcher[Result]()
	s.SessionRun = sublist.NewDispatcher[Result]()
	s.GroupEntered = sublist.NewDispatcher[GroupResult]()
	s.GroupLeft = sublist.NewDispatcher[GroupResult]()
	s.GroupList = sublist.NewDispatcher[[]codec.Group]()
	s.MonitoringUpdated = sublist.NewDispatcher[[]codec.UserGroupCoordinate]()
	s.GroupsEnabled = sublist.NewDispatcher[bool]()
	s.CoordinatesSent = sublist.NewDispatcher[uint64]()

	proto.SetMonitored(s.isMonitored)
	if err := proto.Handle(engine.TOPIC_ANSWER, "session.answer", s.notifyAnswer); err != nil {
		return nil, err
	}
	if err := proto.Handle(engine.TOPIC_GROUP_LIST, "session.group_list", func(d interface{}) {
		if groups, ok := d.([]codec.Group); ok {
			s.GroupList.Notify(groups)
		}
	}); err != nil {
		return nil, err
	}
	if err := proto.Handle(engine.TOPIC_COORDINATE_ACK, "session.coordinate_ack", func(d interface{}) {
		if n, ok := d.(uint64); ok {
			s.CoordinatesSent.Notify(n)
		}
	}); err != nil {
		return nil, err
	}
	s.unsubscribe = monitor.Subscribe(s.reachabilityChanged)
	return s, nil
}

// Close stops reacting to reachability and drops the connection.
func (s *Manager) Close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.Disconnect()
}

func (s *Manager) enqueue(msg string) {
	if s.sink != nil {
		s.sink.Enqueue(msg)
	}
}

func (s *Manager) Status() Status {
	st := Status{Reachability: s.reach.Status().String(), MonitoringGroups: s.MonitoringGroups()}
	s.mu.Lock()
	st.Connected = s.connected
	st.SessionOpened = s.sessionOpened
	st.ShouldReconnect = s.shouldReconnect
	st.Connecting = s.connecting
	s.mu.Unlock()
	return st
}

func (s *Manager) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Manager) SessionOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionOpened
}

func (s *Manager) ShouldReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldReconnect
}

func (s *Manager) SessionURL() (string, error) {
	return s.proto.SessionURL()
}

// Connect starts a connection attempt and returns immediately. The outcome
// arrives on ConnectionRun.
func (s *Manager) Connect() {
	s.connect(false)
}

func (s *Manager) connect(reconnect bool) {
	s.enqueue("connect")
	if !s.reach.Status().Reachable() {
		s.mu.Lock()
		s.shouldReconnect = true
		s.mu.Unlock()
		s.log.Info().Str("event", CONNECT_SKIPPED).Str("reason", "unreachable").Msg("")
		return
	}
	s.mu.Lock()
	if s.connecting {
		s.mu.Unlock()
		s.log.Info().Str("event", CONNECT_SKIPPED).Str("reason", "in_flight").Msg("")
		return
	}
	s.connecting = true
	s.mu.Unlock()

	s.exec(func() {
		s.doConnect(reconnect)
		s.mu.Lock()
		s.connecting = false
		retry := s.lostInFlight && s.shouldReconnect
		s.lostInFlight = false
		s.mu.Unlock()
		if retry {
			s.checkStatus(s.reach.Status())
		}
	})
}

func (s *Manager) doConnect(reconnect bool) {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
	}
	cred, err := s.creds.Credential(s.ctx)
	if err != nil || cred == nil {
		s.log.Warn().Str("event", NO_CREDENTIAL).Err(err).Msg("")
		s.metrics.ConnectAttempt("no_credential")
		s.mu.Lock()
		s.shouldReconnect = true
		s.mu.Unlock()
		s.ConnectionRun.Notify(Result{OK: false})
		return
	}
	if !cred.Usable() {
		s.log.Warn().Str("event", CREDENTIAL_ERROR).Str("error", cred.Error).Msg("")
		s.metrics.ConnectAttempt("credential_error")
		s.mu.Lock()
		s.shouldReconnect = false
		s.mu.Unlock()
		s.ConnectionRun.Notify(Result{OK: false, Message: cred.Error})
		return
	}

	s.mu.Lock()
	install := !s.errHandlerSet
	s.errHandlerSet = true
	s.mu.Unlock()
	if install {
		s.proto.OnTransportError(s.transportError)
	}

	// A fatal transport error may arrive before Connect returns and must
	// not be overwritten.
	s.mu.Lock()
	prev := s.shouldReconnect
	s.shouldReconnect = false
	s.mu.Unlock()
	if err := s.proto.Connect(cred.DeviceKey, cred.Address); err != nil {
		s.mu.Lock()
		if !s.lostInFlight {
			s.shouldReconnect = prev
		}
		s.mu.Unlock()
		s.metrics.ConnectAttempt("error")
		if errors.Is(err, engine.ErrIllegalState) {
			s.log.Warn().Str("event", CONNECT_SKIPPED).Str("reason", "illegal_state").Err(err).Msg("")
			return
		}
		s.log.Error().Str("event", CONNECT_FAILED).Err(err).Msg("")
		s.ConnectionRun.Notify(Result{OK: false, Message: err.Error()})
		return
	}
	s.metrics.ConnectAttempt("started")
	if reconnect {
		s.metrics.Reconnect()
	}
}

// Disconnect drops the connection on request. No reconnect follows.
func (s *Manager) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.sessionOpened = false
	s.shouldReconnect = false
	s.mu.Unlock()
	s.proto.Disconnect()
}

func (s *Manager) transportError(fatal bool) {
	s.log.Warn().Str("event", TRANSPORT_LOST).Bool("fatal", fatal).Msg("")
	s.mu.Lock()
	s.connected = false
	s.sessionOpened = false
	s.shouldReconnect = fatal
	if s.connecting {
		s.lostInFlight = true
	}
	s.mu.Unlock()
	s.checkStatus(s.reach.Status())
}

func (s *Manager) reachabilityChanged(st reach.Status) {
	s.enqueue("reachability changed")
	s.checkStatus(st)
}

func (s *Manager) checkStatus(st reach.Status) {
	s.mu.Lock()
	soft := !st.Reachable() && s.connected
	if soft {
		s.shouldReconnect = true
	}
	reconnect := s.shouldReconnect && st.Reachable()
	s.mu.Unlock()

	if soft {
		s.enqueue("should be reconnected")
		s.ConnectionRun.Notify(Result{OK: false, Message: "reconnect", Soft: true})
	}
	if reconnect {
		s.log.Info().Str("event", RECONNECT).Str("reachability", st.String()).Msg("")
		s.enqueue("reconnect action")
		s.connect(true)
	}
}

func (s *Manager) notifyAnswer(d interface{}) {
	a, ok := d.(engine.Answer)
	if !ok {
		return
	}
	switch a.Tag {
	case codec.TagAuth, codec.TagToken:
		s.mu.Lock()
		s.connected = a.OK
		if !a.OK {
			s.sessionOpened = false
		}
		s.mu.Unlock()
		s.enqueue("connected")
		s.ConnectionRun.Notify(Result{OK: a.OK, Message: a.Message})
	case codec.TagKick:
		s.mu.Lock()
		s.connected = false
		s.sessionOpened = false
		s.mu.Unlock()
		s.ConnectionRun.Notify(Result{OK: false, Message: "kicked"})
	case codec.TagOpenedSession:
		s.mu.Lock()
		s.sessionOpened = a.OK
		s.mu.Unlock()
		s.SessionRun.Notify(Result{OK: a.OK, Message: a.Message})
	case codec.TagCloseSession:
		s.mu.Lock()
		s.sessionOpened = !a.OK
		s.mu.Unlock()
		s.SessionRun.Notify(Result{OK: !a.OK, Message: a.Message})
	case codec.TagEnterGroup:
		s.GroupEntered.Notify(GroupResult{OK: a.OK, Name: a.Name})
	case codec.TagLeaveGroup:
		s.GroupLeft.Notify(GroupResult{OK: a.OK, Name: a.Name})
	case codec.TagGroupsEnabled:
		s.GroupsEnabled.Notify(a.OK)
	}
}

func (s *Manager) ignored(command string) {
	s.log.Debug().Str("event", IGNORED_COMMAND).Str("command", command).Msg("")
	s.metrics.IgnoredCommand(command)
}

func (s *Manager) OpenSession() {
	s.enqueue("open session")
	if !s.Connected() {
		s.ignored("open_session")
		return
	}
	s.proto.OpenSession()
}

func (s *Manager) CloseSession() {
	s.enqueue("close session")
	if !s.Connected() {
		s.ignored("close_session")
		return
	}
	s.proto.CloseSession()
}

func (s *Manager) SendCoordinates(locs []codec.Location) {
	if !s.SessionOpened() {
		s.ignored("send_coordinates")
		return
	}
	s.proto.SendCoordinates(locs)
}

func (s *Manager) GetGroups() {
	if !s.Connected() {
		s.ignored("get_groups")
		return
	}
	s.proto.SendGetGroups()
}

func (s *Manager) EnterGroup(name, nick string) {
	if !s.Connected() {
		s.ignored("enter_group")
		return
	}
	s.proto.SendEnterGroup(name, nick)
}

func (s *Manager) LeaveGroup(u string) {
	if !s.Connected() {
		s.ignored("leave_group")
		return
	}
	s.proto.SendLeaveGroup(u)
}

func (s *Manager) ActivateAllGroups() {
	if !s.Connected() {
		s.ignored("activate_all_groups")
		return
	}
	s.proto.SendActivateAllGroups()
}

func (s *Manager) DeactivateAllGroups() {
	if !s.Connected() {
		s.ignored("deactivate_all_groups")
		return
	}
	s.proto.SendDeactivateAllGroups()
}

// SetMonitoringGroups replaces the monitoring set. The coordinate relay is
// attached when the set becomes non empty and detached when it becomes
// empty, repeated assignments do not touch it.
func (s *Manager) SetMonitoringGroups(ids []int) {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()

	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	s.monitoring = set
	s.mu.Unlock()
	s.metrics.SetMonitoredGroups(len(set))

	if len(set) > 0 && s.monitorHandle == nil {
		s.monitorHandle = s.proto.AttachCoordinates(s.relay)
		s.log.Debug().Str("event", MONITORING_ATTACH).Ints("groups", ids).Msg("")
	}
	if len(set) == 0 && s.monitorHandle != nil {
		s.proto.DetachCoordinates(s.monitorHandle)
		s.monitorHandle = nil
		s.log.Debug().Str("event", MONITORING_DETACH).Msg("")
	}
}

func (s *Manager) MonitoringGroups() []int {
	s.mu.Lock()
	out := make([]int, 0, len(s.monitoring))
	for id := range s.monitoring {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Ints(out)
	return out
}

func (s *Manager) isMonitored(groupID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.monitoring[groupID]
	return ok
}

func (s *Manager) relay(coords []codec.UserGroupCoordinate) {
	s.MonitoringUpdated.Notify(coords)
}
