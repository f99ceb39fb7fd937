package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestStatic(t *testing.T) {
	if _, err := (Static{}).Credential(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Error(err)
	}
	c, err := Static{Cred: Credential{DeviceKey: "k", Address: "h:1"}}.Credential(context.Background())
	if err != nil || !c.Usable() {
		t.Error(c, err)
	}
	c, _ = Static{Cred: Credential{Error: "banned"}}.Credential(context.Background())
	if c.Usable() {
		t.Error("credential with error is usable")
	}
}

func TestHTTPProvider(t *testing.T) {
	var gotID, gotApp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotID = r.PostForm.Get("id")
		gotApp = r.PostForm.Get("app")
		w.Write([]byte(`{"device":"CVH2SWG21GW","address":"osmo.example:4242","token":"t"}`))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{URL: srv.URL, AppKey: "app1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(p.DeviceID()); err != nil {
		t.Error(err)
	}
	c, err := p.Credential(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.DeviceKey != "CVH2SWG21GW" || c.Address != "osmo.example:4242" || !c.Usable() {
		t.Error(c)
	}
	if gotID != p.DeviceID() || gotApp != "app1" {
		t.Error(gotID, gotApp)
	}
}

func TestHTTPProviderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"device is banned"}`))
	}))
	defer srv.Close()
	p, _ := NewHTTPProvider(HTTPConfig{URL: srv.URL, DeviceID: "d1"})
	c, err := p.Credential(context.Background())
	if err != nil || c.Usable() || c.Error != "device is banned" {
		t.Error(c, err)
	}
}

func TestHTTPProviderFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/500":
			w.WriteHeader(http.StatusInternalServerError)
		case "/incomplete":
			w.Write([]byte(`{"device":"k"}`))
		default:
			w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()
	for _, path := range []string{"/500", "/incomplete", "/garbage"} {
		p, _ := NewHTTPProvider(HTTPConfig{URL: srv.URL + path, DeviceID: "d1"})
		if _, err := p.Credential(context.Background()); !errors.Is(err, ErrNoCredential) {
			t.Errorf("%s: %v", path, err)
		}
	}
}
