package store

import (
	"testing"
	"time"

	"nuha.dev/groupshare/internal/osmo/codec"
)

func TestRecordsSkipsUnknown(t *testing.T) {
	now := time.Unix(1700000000, 0)
	coords := []codec.UserGroupCoordinate{
		{GroupID: 1578, UserID: 1, Location: codec.Location{Lat: 59.852968, Lon: 30.373739, Speed: 12.34, Alt: 7}, Recent: true},
		{GroupID: 1578, UserID: 2, Location: codec.Location{Lat: codec.UnknownCoordinate, Lon: codec.UnknownCoordinate}},
	}
	recs := Records(coords, now)
	if len(recs) != 1 {
		t.Fatal(recs)
	}
	r := recs[0]
	if r.GroupID != 1578 || r.UserID != 1 || r.Alt != 7 || !r.Recent || !r.Received.Equal(now) {
		t.Error(r)
	}
	if v := r.Values(); len(v) != len(Columns) {
		t.Error(len(v), len(Columns))
	}
}
