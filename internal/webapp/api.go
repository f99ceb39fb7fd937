package webapp

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nuha.dev/groupshare/internal/logqueue"
	"nuha.dev/groupshare/internal/util"
	"nuha.dev/groupshare/internal/webapp/common"
	"nuha.dev/groupshare/internal/webapp/control"
	"nuha.dev/groupshare/internal/webapp/webstream"
)

type ApiConfig struct {
	ListenAddr string
	// KeyHash is the bcrypt hash of the API key. Empty disables the key and
	// every client gets the control role.
	KeyHash        string
	AllowedOrigins []string
}

// LogSource exposes recent diagnostic entries.
type LogSource interface {
	Snapshot() []logqueue.Entry
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
	vld    *validator.Validate
	hub    *webstream.Hub

	keyLock  sync.RWMutex
	knownKey string
}

func NewApi(coord control.Coordinator, gatherer prometheus.Gatherer, logs LogSource, config *ApiConfig) *Api {
	api := &Api{config: config}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.vld = validator.New()
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	control_api := control.NewControlApi(coord)
	disp := NewDispatcher(api.vld)
	disp.Add("GetStatus", control_api.GetStatus, RoleRead)
	disp.Add("GetMonitoringGroups", control_api.GetMonitoringGroups, RoleRead)
	disp.Add("GetSessionURL", control_api.GetSessionURL, RoleRead)

	disp.Add("Connect", control_api.Connect, RoleControl)
	disp.Add("Disconnect", control_api.Disconnect, RoleControl)
	disp.Add("OpenSession", control_api.OpenSession, RoleControl)
	disp.Add("CloseSession", control_api.CloseSession, RoleControl)
	disp.Add("GetGroups", control_api.GetGroups, RoleControl)
	disp.Add("EnterGroup", control_api.EnterGroup, RoleControl)
	disp.Add("LeaveGroup", control_api.LeaveGroup, RoleControl)
	disp.Add("ActivateAllGroups", control_api.ActivateAllGroups, RoleControl)
	disp.Add("DeactivateAllGroups", control_api.DeactivateAllGroups, RoleControl)
	disp.Add("SetMonitoringGroups", control_api.SetMonitoringGroups, RoleControl)
	disp.Add("SendCoordinates", control_api.SendCoordinates, RoleControl)

	api.hub = webstream.NewHub(webstream.Config{Auth: api.streamAuth()})

	r.Get("/status", control_api.StatusHandler)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if logs != nil {
		r.Get("/log", func(w http.ResponseWriter, r *http.Request) {
			entries := logs.Snapshot()
			if entries == nil {
				entries = []logqueue.Entry{}
			}
			util.JsonWrite(w, entries)
		})
	}
	r.Method(http.MethodGet, "/stream", api.hub)
	r.Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		f := chi.URLParam(r, "name")
		disp.Call(f, api.client(r), w, r)
	})

	api.r = r
	s := &http.Server{
		Addr:              api.config.ListenAddr,
		Handler:           api.r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	api.s = s

	return api
}

func (api *Api) Hub() *webstream.Hub {
	return api.hub
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until ctx is done, then shuts the server down.
func (api *Api) Run(ctx context.Context) error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	errc := make(chan error, 1)
	go func() {
		errc <- api.s.ListenAndServe()
	}()
	select {
	case err := <-errc:
		api.log.Error().Err(err).Msg("")
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := api.s.Shutdown(shutdownCtx)
	if errors.Is(<-errc, http.ErrServerClosed) && err == nil {
		return nil
	}
	return err
}

func requestKey(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// checkKey compares against the bcrypt hash once per distinct key.
func (api *Api) checkKey(key string) bool {
	if key == "" {
		return false
	}
	api.keyLock.RLock()
	known := api.knownKey
	api.keyLock.RUnlock()
	if known != "" && subtle.ConstantTimeCompare([]byte(known), []byte(key)) == 1 {
		return true
	}
	if !util.CheckKey(api.config.KeyHash, key) {
		return false
	}
	api.keyLock.Lock()
	api.knownKey = key
	api.keyLock.Unlock()
	return true
}

func (api *Api) client(r *http.Request) *common.ClientAttribute {
	c := &common.ClientAttribute{Role: RoleRead, Remote: r.RemoteAddr}
	if api.config.KeyHash == "" || api.checkKey(requestKey(r)) {
		c.Role = RoleControl
	}
	return c
}

func (api *Api) streamAuth() func(string) bool {
	if api.config.KeyHash == "" {
		return nil
	}
	return api.checkKey
}
