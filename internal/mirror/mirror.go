package mirror

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/groupshare/internal/osmo/codec"
)

const (
	PUBLISH_ERROR string = "publish_error"
	NATS_STATUS   string = "nats_status"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Update is the message published for one group.
type Update struct {
	GroupID     int            `json:"group_id"`
	Received    time.Time      `json:"received"`
	Coordinates []UserLocation `json:"coordinates"`
}

type UserLocation struct {
	UserID int     `json:"user_id"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Speed  float64 `json:"speed"`
	Alt    int     `json:"alt"`
	Recent bool    `json:"recent"`
}

// Mirror republishes monitoring updates, one message per group on
// `<prefix>.<group id>`.
type Mirror struct {
	pub    Publisher
	prefix string
	log    log.Logger
	now    func() time.Time
}

func New(pub Publisher, prefix string) *Mirror {
	if prefix == "" {
		prefix = "groupshare.coordinates"
	}
	m := &Mirror{pub: pub, prefix: prefix, now: time.Now}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "mirror").Value()
	return m
}

// Connect dials a NATS server with reconnect status logged.
func Connect(url string, name string) (*nats.Conn, error) {
	l := log.DefaultLogger
	l.Context = log.NewContext(nil).Str("module", "mirror").Value()
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			l.Warn().Str("event", NATS_STATUS).Str("status", "disconnected").Err(err).Msg("")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("event", NATS_STATUS).Str("status", "reconnected").Str("url", nc.ConnectedUrl()).Msg("")
		}))
}

func (m *Mirror) Subject(groupID int) string {
	return m.prefix + "." + strconv.Itoa(groupID)
}

// Put publishes the update. Groups keep their first seen order.
func (m *Mirror) Put(coords []codec.UserGroupCoordinate) {
	if len(coords) == 0 {
		return
	}
	now := m.now().UTC()
	var order []int
	byGroup := map[int]*Update{}
	for _, c := range coords {
		u, ok := byGroup[c.GroupID]
		if !ok {
			u = &Update{GroupID: c.GroupID, Received: now}
			byGroup[c.GroupID] = u
			order = append(order, c.GroupID)
		}
		u.Coordinates = append(u.Coordinates, UserLocation{UserID: c.UserID, Lat: c.Lat, Lon: c.Lon, Speed: c.Speed, Alt: c.Alt, Recent: c.Recent})
	}
	for _, gid := range order {
		data, err := json.Marshal(byGroup[gid])
		if err != nil {
			m.log.Error().Str("event", PUBLISH_ERROR).Int("group", gid).Err(err).Msg("")
			continue
		}
		if err := m.pub.Publish(m.Subject(gid), data); err != nil {
			m.log.Error().Str("event", PUBLISH_ERROR).Int("group", gid).Err(err).Msg("")
		}
	}
}
