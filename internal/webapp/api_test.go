package webapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"nuha.dev/groupshare/internal/logqueue"
	"nuha.dev/groupshare/internal/metrics"
	"nuha.dev/groupshare/internal/osmo/codec"
	"nuha.dev/groupshare/internal/osmo/engine"
	"nuha.dev/groupshare/internal/session"
	"nuha.dev/groupshare/internal/webapp/common"
	"nuha.dev/groupshare/internal/webapp/control"
)

type mockCoord struct {
	status     session.Status
	calls      []string
	entered    []string
	coords     []codec.Location
	monitoring []int
}

func (m *mockCoord) Connect() { m.calls = append(m.calls, "Connect") }

func (m *mockCoord) Disconnect() { m.calls = append(m.calls, "Disconnect") }

func (m *mockCoord) OpenSession() { m.calls = append(m.calls, "OpenSession") }

func (m *mockCoord) CloseSession() { m.calls = append(m.calls, "CloseSession") }

func (m *mockCoord) GetGroups() { m.calls = append(m.calls, "GetGroups") }

func (m *mockCoord) EnterGroup(name, nick string) { m.entered = append(m.entered, name+"|"+nick) }

func (m *mockCoord) LeaveGroup(u string) { m.calls = append(m.calls, "LeaveGroup:"+u) }

func (m *mockCoord) ActivateAllGroups() { m.calls = append(m.calls, "ActivateAllGroups") }

func (m *mockCoord) DeactivateAllGroups() { m.calls = append(m.calls, "DeactivateAllGroups") }

func (m *mockCoord) SendCoordinates(locs []codec.Location) { m.coords = append(m.coords, locs...) }

func (m *mockCoord) SetMonitoringGroups(ids []int) { m.monitoring = ids }

func (m *mockCoord) MonitoringGroups() []int { return m.monitoring }

func (m *mockCoord) Status() session.Status { return m.status }

func (m *mockCoord) SessionURL() (string, error) {
	if !m.status.SessionOpened {
		return "", engine.ErrSessionURL
	}
	return "https://osmo.mobi/s/tok", nil
}

func call(t *testing.T, h http.Handler, name string, body string, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/func/"+name, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatal(err)
	}
}

func TestCommandsReportAcceptance(t *testing.T) {
	coord := &mockCoord{}
	h := NewApi(coord, nil, nil, &ApiConfig{}).Handler()

	var res common.CommandResponse
	decode(t, call(t, h, "EnterGroup", `{"name":"alpha","nick":"nick1"}`, ""), &res)
	if res.Accepted || res.Message != control.MsgNotConnected {
		t.Error(res)
	}
	if len(coord.entered) != 1 || coord.entered[0] != "alpha|nick1" {
		t.Error(coord.entered)
	}

	coord.status.Connected = true
	res = common.CommandResponse{}
	decode(t, call(t, h, "OpenSession", `{}`, ""), &res)
	if !res.Accepted {
		t.Error(res)
	}

	res = common.CommandResponse{}
	decode(t, call(t, h, "SendCoordinates", `{"coordinates":[{"latitude":59.852968,"longitude":30.373739,"speed":12.34}]}`, ""), &res)
	if res.Accepted || res.Message != control.MsgNoSession {
		t.Error(res)
	}
	if len(coord.coords) != 1 || coord.coords[0].Lat != 59.852968 || coord.coords[0].Speed != 12.34 {
		t.Error(coord.coords)
	}

	coord.status.SessionOpened = true
	var u control.SessionURLResponseModel
	decode(t, call(t, h, "GetSessionURL", ``, ""), &u)
	if !u.Accepted || u.URL != "https://osmo.mobi/s/tok" {
		t.Error(u)
	}
}

func TestValidationAndUnknown(t *testing.T) {
	coord := &mockCoord{}
	h := NewApi(coord, nil, nil, &ApiConfig{}).Handler()
	if w := call(t, h, "EnterGroup", `{"nick":"x"}`, ""); w.Code != http.StatusBadRequest {
		t.Error(w.Code)
	}
	if w := call(t, h, "SendCoordinates", `{"coordinates":[{"latitude":120,"longitude":0}]}`, ""); w.Code != http.StatusBadRequest {
		t.Error(w.Code)
	}
	if w := call(t, h, "SendCoordinates", `{"coordinates":[]}`, ""); w.Code != http.StatusBadRequest {
		t.Error(w.Code)
	}
	if w := call(t, h, "Nope", `{}`, ""); w.Code != http.StatusNotFound {
		t.Error(w.Code)
	}
	if len(coord.entered) != 0 || len(coord.coords) != 0 {
		t.Error(coord.entered, coord.coords)
	}
}

func TestMonitoringGroups(t *testing.T) {
	coord := &mockCoord{}
	h := NewApi(coord, nil, nil, &ApiConfig{}).Handler()
	var res control.MonitoringResponseModel
	decode(t, call(t, h, "SetMonitoringGroups", `{"groups":[1578,99]}`, ""), &res)
	if len(res.Groups) != 2 || res.Groups[0] != 1578 {
		t.Error(res)
	}
	if w := call(t, h, "SetMonitoringGroups", `{"groups":[0]}`, ""); w.Code != http.StatusBadRequest {
		t.Error(w.Code)
	}
}

func TestApiKeyRoles(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("k1"), bcrypt.MinCost)
	coord := &mockCoord{status: session.Status{Connected: true}}
	h := NewApi(coord, nil, nil, &ApiConfig{KeyHash: string(hash)}).Handler()

	if w := call(t, h, "Connect", `{}`, ""); w.Code != http.StatusUnauthorized {
		t.Error(w.Code)
	}
	if w := call(t, h, "Connect", `{}`, "wrong"); w.Code != http.StatusUnauthorized {
		t.Error(w.Code)
	}
	var st session.Status
	decode(t, call(t, h, "GetStatus", ``, ""), &st)
	if !st.Connected {
		t.Error(st)
	}
	var res common.CommandResponse
	decode(t, call(t, h, "Connect", `{}`, "k1"), &res)
	decode(t, call(t, h, "Disconnect", `{}`, "k1"), &res)
	if len(coord.calls) != 2 || coord.calls[0] != "Connect" || coord.calls[1] != "Disconnect" {
		t.Error(coord.calls)
	}
}

func TestStatusMetricsLog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Reconnect()
	q := logqueue.NewQueue(logqueue.Config{History: 8})
	q.Enqueue("hello")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)
	coord := &mockCoord{status: session.Status{Connected: true, Reachability: "wan"}}
	h := NewApi(coord, reg, q, &ApiConfig{}).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"monitoring_groups":[]`) {
		t.Error(w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "groupshare_") {
		t.Error(w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/log", nil))
	var entries []logqueue.Entry
	decode(t, w, &entries)
	if len(entries) != 1 || entries[0].Message != "hello" {
		t.Error(entries)
	}
}
