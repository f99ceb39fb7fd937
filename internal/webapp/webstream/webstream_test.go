package webstream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"nuha.dev/groupshare/internal/osmo/sublist"
	"nuha.dev/groupshare/internal/session"
)

func waitClients(t *testing.T, h *Hub, n int) {
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestStreamBoundEvents(t *testing.T) {
	h := NewHub(Config{})
	src := Sources{
		ConnectionRun: sublist.NewDispatcher[session.Result](),
		GroupEntered:  sublist.NewDispatcher[session.GroupResult](),
	}
	h.Bind(src)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dial(t, srv)
	defer c.Close(websocket.StatusNormalClosure, "")
	waitClients(t, h, 1)

	src.ConnectionRun.Notify(session.Result{OK: false, Message: "reconnect", Soft: true})
	src.ConnectionRun.Notify(session.Result{OK: true})
	src.GroupEntered.Notify(session.GroupResult{OK: true, Name: "alpha"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ev map[string]interface{}
	if err := wsjson.Read(ctx, c, &ev); err != nil {
		t.Fatal(err)
	}
	if ev["type"] != EConnection || ev["data"].(map[string]interface{})["ok"] != true {
		t.Error(ev)
	}
	if err := wsjson.Read(ctx, c, &ev); err != nil {
		t.Fatal(err)
	}
	if ev["type"] != EGroupEntered || ev["data"].(map[string]interface{})["name"] != "alpha" {
		t.Error(ev)
	}

	c.Close(websocket.StatusNormalClosure, "")
	waitClients(t, h, 0)
}

func TestStreamAuth(t *testing.T) {
	h := NewHub(Config{Auth: func(tok string) bool { return tok == "k1" }})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bad := dial(t, srv)
	bad.Write(ctx, websocket.MessageText, []byte("nope"))
	_, _, err := bad.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Error(err)
	}

	good := dial(t, srv)
	defer good.Close(websocket.StatusNormalClosure, "")
	good.Write(ctx, websocket.MessageText, []byte("k1"))
	waitClients(t, h, 1)
	h.Publish(EGroupsEnabled, true)
	var ev Event
	if err := wsjson.Read(ctx, good, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EGroupsEnabled || ev.Data != true {
		t.Error(ev)
	}
}
