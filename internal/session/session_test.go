package session

import (
	"context"
	"errors"
	"testing"

	"nuha.dev/groupshare/internal/credential"
	"nuha.dev/groupshare/internal/osmo/codec"
	"nuha.dev/groupshare/internal/osmo/engine"
	"nuha.dev/groupshare/internal/osmo/sublist"
	"nuha.dev/groupshare/internal/reach"
)

type mockProto struct {
	connects    int
	connectErr  error
	failFast    int
	disconnects int
	entered     []string
	coordinates int
	getGroups   int
	attaches    int
	detaches    int
	sessionURL  string
	handlers    map[string]func(interface{})
	onTransport func(bool)
	monitored   func(int) bool
	relay       *sublist.Dispatcher[[]codec.UserGroupCoordinate]
}

func newMockProto() *mockProto {
	return &mockProto{handlers: map[string]func(interface{}){}, relay: sublist.NewDispatcher[[]codec.UserGroupCoordinate]()}
}

func (m *mockProto) Connect(deviceKey, addr string) error {
	m.connects++
	if m.failFast > 0 && m.onTransport != nil {
		m.failFast--
		m.onTransport(true)
	}
	return m.connectErr
}
func (m *mockProto) Disconnect() { m.disconnects++ }
func (m *mockProto) OpenSession() bool { return true }
func (m *mockProto) CloseSession() bool { return true }
func (m *mockProto) SendGetGroups() bool {
	m.getGroups++
	return true
}
func (m *mockProto) SendEnterGroup(name, nick string) bool {
	m.entered = append(m.entered, name+"|"+nick)
	return true
}
func (m *mockProto) SendLeaveGroup(u string) bool { return true }
func (m *mockProto) SendActivateAllGroups() bool { return true }
func (m *mockProto) SendDeactivateAllGroups() bool { return true }
func (m *mockProto) SendCoordinates(locs []codec.Location) bool {
	m.coordinates += len(locs)
	return true
}
func (m *mockProto) SessionURL() (string, error) {
	if m.sessionURL == "" {
		return "", engine.ErrSessionURL
	}
	return m.sessionURL, nil
}
func (m *mockProto) OnTransportError(fn func(fatal bool)) { m.onTransport = fn }
func (m *mockProto) SetMonitored(fn func(groupID int) bool) { m.monitored = fn }
func (m *mockProto) Handle(topic string, key string, fn func(data interface{})) error {
	m.handlers[topic] = fn
	return nil
}
func (m *mockProto) AttachCoordinates(fn func([]codec.UserGroupCoordinate)) *sublist.Entry[[]codec.UserGroupCoordinate] {
	m.attaches++
	return m.relay.Add(fn)
}
func (m *mockProto) DetachCoordinates(h *sublist.Entry[[]codec.UserGroupCoordinate]) bool {
	m.detaches++
	return m.relay.Remove(h)
}

func (m *mockProto) answer(a engine.Answer) {
	m.handlers[engine.TOPIC_ANSWER](a)
}

type mockCreds struct {
	cred *credential.Credential
	err  error
	n    int
}

func (c *mockCreds) Credential(ctx context.Context) (*credential.Credential, error) {
	c.n++
	return c.cred, c.err
}

func runNow(task func()) { task() }

func newTestManager(t *testing.T, status reach.Status) (*Manager, *mockProto, *mockCreds, *reach.Static) {
	p := newMockProto()
	c := &mockCreds{cred: &credential.Credential{DeviceKey: "k", Address: "h:1"}}
	r := reach.NewStatic(status)
	m, err := NewManager(p, c, r, Config{Executor: runNow}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m, p, c, r
}

func authenticated(t *testing.T, status reach.Status) (*Manager, *mockProto, *reach.Static) {
	m, p, _, r := newTestManager(t, status)
	m.Connect()
	p.answer(engine.Answer{Tag: codec.TagAuth, OK: true})
	if !m.Connected() {
		t.Fatal("not connected")
	}
	return m, p, r
}

func TestMonitoringAttachDetachOnce(t *testing.T) {
	m, p, _, _ := newTestManager(t, reach.ReachableWAN)
	m.SetMonitoringGroups([]int{1578})
	m.SetMonitoringGroups([]int{1578})
	m.SetMonitoringGroups([]int{1578, 99})
	if p.attaches != 1 || p.detaches != 0 {
		t.Error(p.attaches, p.detaches)
	}
	m.SetMonitoringGroups([]int{})
	m.SetMonitoringGroups(nil)
	if p.attaches != 1 || p.detaches != 1 {
		t.Error(p.attaches, p.detaches)
	}
}

func TestMonitoringRelay(t *testing.T) {
	m, p, _, _ := newTestManager(t, reach.ReachableWAN)
	var got [][]codec.UserGroupCoordinate
	m.MonitoringUpdated.Add(func(u []codec.UserGroupCoordinate) { got = append(got, u) })
	m.SetMonitoringGroups([]int{1578})
	if !p.monitored(1578) || p.monitored(99) {
		t.Error("monitored accessor")
	}
	p.relay.Notify([]codec.UserGroupCoordinate{{GroupID: 1578, UserID: 1}})
	m.SetMonitoringGroups(nil)
	p.relay.Notify([]codec.UserGroupCoordinate{{GroupID: 1578, UserID: 1}})
	if len(got) != 1 {
		t.Error(got)
	}
	if p.monitored(1578) {
		t.Error("still monitored")
	}
}

func TestReconnectOnReachable(t *testing.T) {
	m, p, _, r := newTestManager(t, reach.Unreachable)
	m.Connect()
	if p.connects != 0 || !m.ShouldReconnect() {
		t.Fatal(p.connects, m.ShouldReconnect())
	}
	r.Set(reach.ReachableWAN)
	if p.connects != 1 {
		t.Error(p.connects)
	}
	if m.ShouldReconnect() {
		t.Error("should reconnect still set")
	}
}

func TestNoReconnectWhenNotRequested(t *testing.T) {
	_, p, _, r := newTestManager(t, reach.Unreachable)
	r.Set(reach.ReachableWAN)
	if p.connects != 0 {
		t.Error(p.connects)
	}
}

func TestAuthRejected(t *testing.T) {
	m, p, _, _ := newTestManager(t, reach.ReachableWAN)
	var runs []Result
	m.ConnectionRun.Add(func(r Result) { runs = append(runs, r) })
	m.Connect()
	p.answer(engine.Answer{Tag: codec.TagAuth, OK: false, Message: "bad token"})
	if len(runs) != 1 || runs[0].OK || runs[0].Message != "bad token" {
		t.Error(runs)
	}
	if m.Connected() {
		t.Error("connected after rejection")
	}
}

func TestCredentialFailures(t *testing.T) {
	m, p, c, _ := newTestManager(t, reach.ReachableWAN)
	var runs []Result
	m.ConnectionRun.Add(func(r Result) { runs = append(runs, r) })

	c.cred, c.err = nil, credential.ErrNoCredential
	m.Connect()
	if len(runs) != 1 || runs[0].OK || runs[0].Message != "" || !m.ShouldReconnect() {
		t.Error(runs, m.ShouldReconnect())
	}

	c.cred, c.err = &credential.Credential{Error: "banned"}, nil
	m.Connect()
	if len(runs) != 2 || runs[1].Message != "banned" || m.ShouldReconnect() {
		t.Error(runs, m.ShouldReconnect())
	}
	if p.connects != 0 {
		t.Error(p.connects)
	}
}

func TestConnectError(t *testing.T) {
	m, p, _, _ := newTestManager(t, reach.ReachableWAN)
	var runs []Result
	m.ConnectionRun.Add(func(r Result) { runs = append(runs, r) })
	p.connectErr = engine.ErrIllegalState
	m.Connect()
	if len(runs) != 0 {
		t.Error(runs)
	}
	p.connectErr = errors.New("no server address")
	m.Connect()
	if len(runs) != 1 || runs[0].Message != "no server address" {
		t.Error(runs)
	}
}

func TestInFlightConnectSkipped(t *testing.T) {
	p := newMockProto()
	var queued []func()
	m, _ := NewManager(p, &mockCreds{cred: &credential.Credential{DeviceKey: "k", Address: "h:1"}}, reach.NewStatic(reach.ReachableWAN),
		Config{Executor: func(task func()) { queued = append(queued, task) }}, nil, nil)
	m.Connect()
	m.Connect()
	if len(queued) != 1 {
		t.Fatal(len(queued))
	}
	queued[0]()
	m.Connect()
	if len(queued) != 2 || p.connects != 1 {
		t.Error(len(queued), p.connects)
	}
}

func TestGroupCommandsGuarded(t *testing.T) {
	m, p, _, _ := newTestManager(t, reach.ReachableWAN)
	m.EnterGroup("alpha", "nick1")
	m.GetGroups()
	if len(p.entered) != 0 || p.getGroups != 0 {
		t.Error(p.entered, p.getGroups)
	}
	m.Connect()
	p.answer(engine.Answer{Tag: codec.TagAuth, OK: true})
	m.EnterGroup("alpha", "nick1")
	if len(p.entered) != 1 || p.entered[0] != "alpha|nick1" {
		t.Error(p.entered)
	}
}

func TestSessionFlags(t *testing.T) {
	m, p, _ := authenticated(t, reach.ReachableWAN)
	var runs []Result
	m.SessionRun.Add(func(r Result) { runs = append(runs, r) })

	m.SendCoordinates([]codec.Location{{Lat: 1, Lon: 2}})
	if p.coordinates != 0 {
		t.Error("coordinates sent without session")
	}
	p.answer(engine.Answer{Tag: codec.TagOpenedSession, OK: true})
	if !m.SessionOpened() {
		t.Fatal("session not open")
	}
	m.SendCoordinates([]codec.Location{{Lat: 1, Lon: 2}})
	if p.coordinates != 1 {
		t.Error(p.coordinates)
	}
	p.answer(engine.Answer{Tag: codec.TagCloseSession, OK: true, Message: "session was closed"})
	if m.SessionOpened() {
		t.Error("session still open")
	}
	if len(runs) != 2 || runs[1].OK || runs[1].Message != "session was closed" {
		t.Error(runs)
	}
	if _, err := m.SessionURL(); !errors.Is(err, engine.ErrSessionURL) {
		t.Error(err)
	}
}

func TestTransportErrorReconnects(t *testing.T) {
	m, p, _ := authenticated(t, reach.ReachableWAN)
	p.onTransport(true)
	if p.connects != 2 {
		t.Error(p.connects)
	}
	p.answer(engine.Answer{Tag: codec.TagAuth, OK: true})
	p.onTransport(false)
	if p.connects != 2 || m.Connected() {
		t.Error(p.connects, m.Connected())
	}
}

func TestTransportErrorDuringConnectRetried(t *testing.T) {
	m, p, _, _ := newTestManager(t, reach.ReachableWAN)
	p.failFast = 1
	m.Connect()
	if p.connects != 2 {
		t.Error("connects", p.connects)
	}
	if m.ShouldReconnect() || m.Status().Connecting {
		t.Error(m.Status())
	}
	p.answer(engine.Answer{Tag: codec.TagAuth, OK: true})
	if !m.Connected() {
		t.Error("not connected")
	}
}

func TestUnreachableWhileConnected(t *testing.T) {
	m, p, r := authenticated(t, reach.ReachableWAN)
	var runs []Result
	m.ConnectionRun.Add(func(r Result) { runs = append(runs, r) })
	r.Set(reach.Unreachable)
	if len(runs) != 1 || !runs[0].Soft || runs[0].Message != "reconnect" || !m.ShouldReconnect() {
		t.Error(runs)
	}
	r.Set(reach.ReachableLocal)
	if p.connects != 2 {
		t.Error(p.connects)
	}
}

func TestKickAndGroupEvents(t *testing.T) {
	m, p, _ := authenticated(t, reach.ReachableWAN)
	var entered []GroupResult
	var enabled []bool
	var groups [][]codec.Group
	var acks []uint64
	m.GroupEntered.Add(func(g GroupResult) { entered = append(entered, g) })
	m.GroupsEnabled.Add(func(b bool) { enabled = append(enabled, b) })
	m.GroupList.Add(func(g []codec.Group) { groups = append(groups, g) })
	m.CoordinatesSent.Add(func(n uint64) { acks = append(acks, n) })

	p.answer(engine.Answer{Tag: codec.TagEnterGroup, OK: true, Name: "alpha"})
	p.answer(engine.Answer{Tag: codec.TagGroupsEnabled, OK: false})
	p.handlers[engine.TOPIC_GROUP_LIST]([]codec.Group{{ID: "1"}})
	p.handlers[engine.TOPIC_COORDINATE_ACK](uint64(3))
	if len(entered) != 1 || entered[0].Name != "alpha" || len(enabled) != 1 || enabled[0] || len(groups) != 1 || len(acks) != 1 {
		t.Error(entered, enabled, groups, acks)
	}

	var runs []Result
	m.ConnectionRun.Add(func(r Result) { runs = append(runs, r) })
	p.answer(engine.Answer{Tag: codec.TagKick, Message: "kicked"})
	if m.Connected() || len(runs) != 1 || runs[0].Message != "kicked" {
		t.Error(runs)
	}
}

func TestStatusAndClose(t *testing.T) {
	m, p, _ := authenticated(t, reach.ReachableWAN)
	m.SetMonitoringGroups([]int{3, 1})
	st := m.Status()
	if !st.Connected || st.Reachability != "wan" || len(st.MonitoringGroups) != 2 || st.MonitoringGroups[0] != 1 {
		t.Error(st)
	}
	m.Close()
	if m.Connected() || p.disconnects != 1 {
		t.Error(m.Connected(), p.disconnects)
	}
}
