package codec

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// UnknownCoordinate is the value the server uses for both latitude and
// longitude of a user that never reported a position.
const UnknownCoordinate float64 = -3000

var ErrCompactCoordinate = errors.New("malformed compact coordinate")

// Location is one GPS fix as carried by the compact coordinate string.
type Location struct {
	Lat      float64
	Lon      float64
	Speed    float64
	Alt      int
	Accuracy int
	Course   float64
}

// Compact encodes the fix as `L<lat>:<lon>S<speed>A<alt>H<accuracy>`.
func (l Location) Compact() string {
	speed := "0"
	if l.Speed > 0 {
		speed = strconv.FormatFloat(l.Speed, 'f', 2, 64)
	}
	return fmt.Sprintf("L%.6f:%.6fS%sA%dH%d", l.Lat, l.Lon, speed, l.Alt, l.Accuracy)
}

const compactKeys = "AHC"

// DecodeCompact parses a compact coordinate string. Every field after S is
// optional and an empty value reads as zero.
func DecodeCompact(s string) (Location, error) {
	var loc Location
	if !strings.HasPrefix(s, "L") {
		return loc, fmt.Errorf("%w: %q", ErrCompactCoordinate, s)
	}
	pos, rest, _ := strings.Cut(s[1:], "S")
	latS, lonS, ok := strings.Cut(pos, ":")
	if !ok {
		return loc, fmt.Errorf("%w: %q", ErrCompactCoordinate, s)
	}
	var err error
	if loc.Lat, err = strconv.ParseFloat(latS, 64); err != nil {
		return loc, fmt.Errorf("%w: lat %q", ErrCompactCoordinate, latS)
	}
	if loc.Lon, err = strconv.ParseFloat(lonS, 64); err != nil {
		return loc, fmt.Errorf("%w: lon %q", ErrCompactCoordinate, lonS)
	}

	i := strings.IndexAny(rest, compactKeys)
	if i < 0 {
		i = len(rest)
	}
	if loc.Speed, err = parseOptFloat(rest[:i]); err != nil {
		return loc, fmt.Errorf("%w: speed %q", ErrCompactCoordinate, rest[:i])
	}
	rest = rest[i:]
	for len(rest) > 0 {
		key := rest[0]
		rest = rest[1:]
		j := strings.IndexAny(rest, compactKeys)
		if j < 0 {
			j = len(rest)
		}
		v, err := parseOptFloat(rest[:j])
		if err != nil {
			return loc, fmt.Errorf("%w: field %c %q", ErrCompactCoordinate, key, rest[:j])
		}
		switch key {
		case 'A':
			loc.Alt = int(math.Round(v))
		case 'H':
			loc.Accuracy = int(math.Round(v))
		case 'C':
			loc.Course = v
		}
		rest = rest[j:]
	}
	return loc, nil
}

func parseOptFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// UserGroupCoordinate is one position update of one member of a group.
// Recent is set for positions pushed by the server and cleared for positions
// taken from a group list.
type UserGroupCoordinate struct {
	GroupID int
	UserID  int
	Location
	Recent bool
}

// DecodeGroupCoordinates decodes the body of a `G:<group>` frame. A body that
// is not a json array of strings fails as a whole. Entries with a bad user id
// or coordinate are skipped and reported in the joined error while the rest
// are returned.
func DecodeGroupCoordinates(groupID int, body string) ([]UserGroupCoordinate, error) {
	var raw []string
	if err := unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("group %d coordinates: %w", groupID, err)
	}
	var errs []error
	out := make([]UserGroupCoordinate, 0, len(raw))
	for _, entry := range raw {
		uid, compact, ok := strings.Cut(entry, "|")
		if !ok {
			errs = append(errs, fmt.Errorf("entry %q: missing separator", entry))
			continue
		}
		id, err := strconv.Atoi(uid)
		if err != nil || id <= 0 {
			errs = append(errs, fmt.Errorf("entry %q: bad user id", entry))
			continue
		}
		loc, err := DecodeCompact(compact)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %q: %w", entry, err))
			continue
		}
		out = append(out, UserGroupCoordinate{GroupID: groupID, UserID: id, Location: loc, Recent: true})
	}
	return out, errors.Join(errs...)
}
