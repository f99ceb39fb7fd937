package logstore

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/groupshare/internal/osmo/codec"
	"nuha.dev/groupshare/internal/store"
)

// LogStore writes coordinates to a zerolog logger. Used when no database is
// configured.
type LogStore struct {
	logger zerolog.Logger
}

func NewStore(logger *zerolog.Logger) *LogStore {
	if logger == nil {
		l := log.With().Str("module", "logstore").Logger()
		logger = &l
	}
	return &LogStore{logger: *logger}
}

func (l *LogStore) Put(coords []codec.UserGroupCoordinate, received time.Time) {
	for _, r := range store.Records(coords, received) {
		l.logger.Info().Int("group", r.GroupID).Int("user", r.UserID).
			Float64("lat", r.Lat).Float64("lon", r.Lon).Int("alt", r.Alt).Float64("speed", r.Speed).
			Bool("recent", r.Recent).Time("received", r.Received).Msg("")
	}
}
