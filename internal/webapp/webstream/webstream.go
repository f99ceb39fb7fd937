package webstream

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"nuha.dev/groupshare/internal/logqueue"
	"nuha.dev/groupshare/internal/osmo/codec"
	"nuha.dev/groupshare/internal/osmo/sublist"
	"nuha.dev/groupshare/internal/session"
	"nuha.dev/groupshare/internal/util"
)

const (
	CLIENT_OPEN   string = "client_open"
	CLIENT_CLOSE  string = "client_close"
	CLIENT_DENIED string = "client_denied"
)

// Event types pushed to stream clients.
const (
	EConnection      string = "connection"
	ESession         string = "session"
	EGroupEntered    string = "group_entered"
	EGroupLeft       string = "group_left"
	EGroupList       string = "group_list"
	EMonitoring      string = "monitoring"
	EGroupsEnabled   string = "groups_enabled"
	ECoordinatesSent string = "coordinates_sent"
	ELog             string = "log"
)

type Event struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

type Config struct {
	// Auth validates the token sent as the first message. Nil accepts every
	// client without a login message.
	Auth      func(token string) bool
	QueueSize int
}

// Hub fans coordinator events out to websocket clients.
type Hub struct {
	log     log.Logger
	config  Config
	clients *sublist.Dispatcher[Event]
}

func NewHub(config Config) *Hub {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	h := &Hub{config: config, clients: sublist.NewDispatcher[Event]()}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	return h
}

func (h *Hub) Publish(typ string, data interface{}) {
	h.clients.Notify(Event{Type: typ, At: time.Now().UTC(), Data: data})
}

func (h *Hub) Clients() int {
	return h.clients.Len()
}

// Sources are the coordinator dispatchers a hub can follow.
type Sources struct {
	ConnectionRun     *sublist.Dispatcher[session.Result]
	SessionRun        *sublist.Dispatcher[session.Result]
	GroupEntered      *sublist.Dispatcher[session.GroupResult]
	GroupLeft         *sublist.Dispatcher[session.GroupResult]
	GroupList         *sublist.Dispatcher[[]codec.Group]
	MonitoringUpdated *sublist.Dispatcher[[]codec.UserGroupCoordinate]
	GroupsEnabled     *sublist.Dispatcher[bool]
	CoordinatesSent   *sublist.Dispatcher[uint64]
	LogFlushed        *sublist.Dispatcher[logqueue.Batch]
}

func SourcesOf(m *session.Manager, q *logqueue.Queue) Sources {
	s := Sources{
		ConnectionRun:     m.ConnectionRun,
		SessionRun:        m.SessionRun,
		GroupEntered:      m.GroupEntered,
		GroupLeft:         m.GroupLeft,
		GroupList:         m.GroupList,
		MonitoringUpdated: m.MonitoringUpdated,
		GroupsEnabled:     m.GroupsEnabled,
		CoordinatesSent:   m.CoordinatesSent,
	}
	if q != nil {
		s.LogFlushed = q.Flushed()
	}
	return s
}

// Bind subscribes the hub to every non nil source.
func (h *Hub) Bind(s Sources) {
	if s.ConnectionRun != nil {
		s.ConnectionRun.Add(func(r session.Result) {
			if !r.Soft {
				h.Publish(EConnection, r)
			}
		})
	}
	if s.SessionRun != nil {
		s.SessionRun.Add(func(r session.Result) { h.Publish(ESession, r) })
	}
	if s.GroupEntered != nil {
		s.GroupEntered.Add(func(r session.GroupResult) { h.Publish(EGroupEntered, r) })
	}
	if s.GroupLeft != nil {
		s.GroupLeft.Add(func(r session.GroupResult) { h.Publish(EGroupLeft, r) })
	}
	if s.GroupList != nil {
		s.GroupList.Add(func(g []codec.Group) { h.Publish(EGroupList, g) })
	}
	if s.MonitoringUpdated != nil {
		s.MonitoringUpdated.Add(func(c []codec.UserGroupCoordinate) { h.Publish(EMonitoring, c) })
	}
	if s.GroupsEnabled != nil {
		s.GroupsEnabled.Add(func(b bool) { h.Publish(EGroupsEnabled, b) })
	}
	if s.CoordinatesSent != nil {
		s.CoordinatesSent.Add(func(n uint64) { h.Publish(ECoordinatesSent, n) })
	}
	if s.LogFlushed != nil {
		s.LogFlushed.Add(func(b logqueue.Batch) { h.Publish(ELog, b) })
	}
}

type client struct {
	id      string
	events  chan Event
	skipped uint64
	pushed  uint64
}

func (c *client) push(ev Event) {
	select {
	case c.events <- ev:
		atomic.AddUint64(&c.pushed, 1)
	default:
		atomic.AddUint64(&c.skipped, 1)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	if h.config.Auth != nil {
		readCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_, msg, err := c.Read(readCtx)
		cancel()
		if err != nil {
			h.log.Error().Err(err).Msg("error while reading auth token")
			return
		}
		if !h.config.Auth(string(msg)) {
			h.log.Info().Str("event", CLIENT_DENIED).Msg("")
			c.Close(websocket.StatusPolicyViolation, "invalid token")
			return
		}
	}

	cl := &client{id: util.GenUUID(), events: make(chan Event, h.config.QueueSize)}
	entry := h.clients.Add(cl.push)
	h.log.Info().Str("event", CLIENT_OPEN).Str("client", cl.id).Msg("")
	defer func() {
		h.clients.Remove(entry)
		h.log.Info().Str("event", CLIENT_CLOSE).Str("client", cl.id).
			Uint64("pushed", atomic.LoadUint64(&cl.pushed)).Uint64("skipped", atomic.LoadUint64(&cl.skipped)).Msg("")
	}()

	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-cl.events:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c, ev)
			cancel()
			if err != nil {
				h.log.Error().Err(err).Str("client", cl.id).Msg("error while writing to connection")
				return
			}
		}
	}
}
