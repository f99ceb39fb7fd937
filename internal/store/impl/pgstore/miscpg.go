package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgconn"
	"github.com/phuslu/log"
	"nuha.dev/groupshare/internal/osmo/codec"
)

type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS group_coordinate (
	group_id integer NOT NULL,
	user_id integer NOT NULL,
	latitude double precision NOT NULL,
	longitude double precision NOT NULL,
	altitude integer NOT NULL,
	speed double precision NOT NULL,
	recent boolean NOT NULL,
	received_time timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS group_coordinate_group_time ON group_coordinate (group_id, received_time);
CREATE TABLE IF NOT EXISTS group_snapshot (
	group_id text NOT NULL,
	name text NOT NULL,
	active boolean NOT NULL,
	body jsonb NOT NULL,
	received_time timestamptz NOT NULL
);`

// InitSchema creates the history tables when missing.
func InitSchema(ctx context.Context, db Execer) error {
	_, err := db.Exec(ctx, schema)
	return err
}

// MiscStore keeps group list snapshots next to the coordinate history.
type MiscStore struct {
	db  Execer
	log log.Logger
}

func NewMiscStore(db Execer) *MiscStore {
	m := MiscStore{}
	m.db = db
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "misc_store").Value()
	return &m
}

func (st *MiscStore) SaveGroups(ctx context.Context, groups []codec.Group, t time.Time) {
	for _, g := range groups {
		body, err := json.Marshal(g)
		if err != nil {
			st.log.Error().Err(err).Str("group", g.ID).Msg("error encoding group")
			continue
		}
		_, err = st.db.Exec(ctx, `INSERT INTO group_snapshot (group_id,name,active,body,received_time) VALUES ($1,$2,$3,$4,$5)`, g.ID, g.Name, g.Active, string(body), t)
		if err != nil {
			st.log.Error().Err(err).Str("group", g.ID).Msg("error saving group")
		}
	}
}
