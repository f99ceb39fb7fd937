package store

import (
	"time"

	"nuha.dev/groupshare/internal/osmo/codec"
)

// Store keeps the history of coordinates pushed for monitored groups.
type Store interface {
	Put(coords []codec.UserGroupCoordinate, received time.Time)
}

// Record is one stored coordinate row.
type Record struct {
	GroupID  int
	UserID   int
	Lat      float64
	Lon      float64
	Alt      int
	Speed    float64
	Recent   bool
	Received time.Time
}

// Records flattens a coordinate update, dropping entries without a position.
func Records(coords []codec.UserGroupCoordinate, received time.Time) []Record {
	out := make([]Record, 0, len(coords))
	for _, c := range coords {
		if c.Lat == codec.UnknownCoordinate || c.Lon == codec.UnknownCoordinate {
			continue
		}
		out = append(out, Record{
			GroupID:  c.GroupID,
			UserID:   c.UserID,
			Lat:      c.Lat,
			Lon:      c.Lon,
			Alt:      c.Alt,
			Speed:    c.Speed,
			Recent:   c.Recent,
			Received: received,
		})
	}
	return out
}

// Columns is the column order used by Values.
var Columns = []string{"group_id", "user_id", "latitude", "longitude", "altitude", "speed", "recent", "received_time"}

func (r Record) Values() []interface{} {
	return []interface{}{r.GroupID, r.UserID, r.Lat, r.Lon, r.Alt, r.Speed, r.Recent, r.Received}
}
