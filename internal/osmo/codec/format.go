package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var (
	ErrNotObject = errors.New("body is not a json object")
	ErrNotArray  = errors.New("body is not a json array")
)

const genericErrorMessage = "error message is not parsed"

func unmarshal(body string, v interface{}) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return err
	}
	return nil
}

// ParseError applies the error-json convention to an object body. failed is
// true when the object carries an "error" key, message is its string value or
// a generic text when the value is not a string.
func ParseError(body string) (failed bool, message string, err error) {
	var obj map[string]json.RawMessage
	if err := unmarshal(body, &obj); err != nil || obj == nil {
		return false, "", ErrNotObject
	}
	raw, ok := obj["error"]
	if !ok {
		return false, "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return true, genericErrorMessage, nil
	}
	return true, s, nil
}

// AuthInfo is the useful part of a successful auth answer.
type AuthInfo struct {
	ID       string
	Motd     string
	Groups   bool
	HasGroup bool
}

type authJSON struct {
	ID    flexString      `json:"id"`
	Motd  flexString      `json:"motd"`
	Group json.RawMessage `json:"group"`
}

func ParseAuth(body string) (AuthInfo, error) {
	var a authJSON
	if err := unmarshal(body, &a); err != nil {
		return AuthInfo{}, err
	}
	info := AuthInfo{ID: string(a.ID), Motd: string(a.Motd)}
	if len(a.Group) > 0 && string(a.Group) != "null" {
		var g flexBool
		if err := json.Unmarshal(a.Group, &g); err == nil {
			info.Groups = bool(g)
			info.HasGroup = true
		}
	}
	return info, nil
}

type sessionJSON struct {
	Session flexString `json:"session"`
	URL     *string    `json:"url"`
}

// ParseSessionToken reads the shareable url token of an opened session.
func ParseSessionToken(body string) (string, bool) {
	var s sessionJSON
	if err := unmarshal(body, &s); err != nil || s.URL == nil || *s.URL == "" {
		return "", false
	}
	return *s.URL, true
}

// SystemInfo is the reply to the TRACKER_SYSTEM_INFO remote command.
type SystemInfo struct {
	App      string `json:"app"`
	Version  string `json:"version"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Go       string `json:"go"`
	Hostname string `json:"hostname"`
}

// Coordinate is a plain position. UnknownCoordinate in both fields means the
// position was never reported.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinate) Known() bool {
	return c.Lat != UnknownCoordinate || c.Lon != UnknownCoordinate
}

var unknown = Coordinate{Lat: UnknownCoordinate, Lon: UnknownCoordinate}

type Group struct {
	ID          string  `json:"id" validate:"required"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Policy      string  `json:"policy"`
	Active      bool    `json:"active"`
	Users       []User  `json:"users"`
	Points      []Point `json:"points"`
	Tracks      []Track `json:"tracks"`
}

type User struct {
	ID         string       `json:"id" validate:"required"`
	Device     string       `json:"device"`
	Name       string       `json:"name"`
	Color      string       `json:"color"`
	Connected  time.Time    `json:"connected"`
	Online     int          `json:"online"`
	State      int          `json:"state"`
	Coordinate Coordinate   `json:"coordinate"`
	Track      []Coordinate `json:"track"`
}

type Point struct {
	ID          string     `json:"id" validate:"required"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Color       string     `json:"color"`
	Coordinate  Coordinate `json:"coordinate"`
	URL         string     `json:"url"`
}

// Track is a route. Raw keeps the server object verbatim, route geometry is
// left to whoever renders it.
type Track struct {
	ID    string          `json:"id" validate:"required"`
	Name  string          `json:"name"`
	Color string          `json:"color"`
	URL   string          `json:"url"`
	Raw   json.RawMessage `json:"raw"`
}

type groupJSON struct {
	U           flexString        `json:"u"`
	Name        flexString        `json:"name"`
	Description flexString        `json:"description"`
	Policy      flexString        `json:"policy"`
	Active      flexBool          `json:"active"`
	Users       []json.RawMessage `json:"users"`
	Points      []json.RawMessage `json:"points"`
	Tracks      []json.RawMessage `json:"tracks"`
}

type userJSON struct {
	U         flexString `json:"u"`
	Device    flexString `json:"device"`
	Name      flexString `json:"name"`
	Color     flexString `json:"color"`
	Connected flexFloat  `json:"connected"`
	Online    flexFloat  `json:"online"`
	State     flexFloat  `json:"state"`
	Lat       *flexFloat `json:"lat"`
	Lon       *flexFloat `json:"lon"`
}

type pointJSON struct {
	U           flexString `json:"u"`
	Name        flexString `json:"name"`
	Description flexString `json:"description"`
	Color       flexString `json:"color"`
	Lat         flexFloat  `json:"lat"`
	Lon         flexFloat  `json:"lon"`
	URL         flexString `json:"url"`
}

type trackJSON struct {
	U     flexString `json:"u"`
	Name  flexString `json:"name"`
	Color flexString `json:"color"`
	URL   flexString `json:"url"`
}

// DecodeGroups decodes a group list body. A body that is not a json array
// fails as a whole. Entries that fail decoding or validation are skipped and
// reported in the joined error, the valid ones are still returned.
func DecodeGroups(body string) ([]Group, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotArray
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	var errs []error
	groups := make([]Group, 0, len(raw))
	for i, r := range raw {
		g, err := decodeGroup(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("group %d: %w", i, err))
		}
		if g != nil {
			groups = append(groups, *g)
		}
	}
	return groups, errors.Join(errs...)
}

// decodeGroup returns a nil group when the group itself is invalid, and a
// group plus an error when only some of its children were skipped.
func decodeGroup(r json.RawMessage) (*Group, error) {
	var gj groupJSON
	if err := json.Unmarshal(r, &gj); err != nil {
		return nil, err
	}
	g := &Group{
		ID:          string(gj.U),
		Name:        string(gj.Name),
		Description: string(gj.Description),
		Policy:      string(gj.Policy),
		Active:      bool(gj.Active),
	}
	if err := validate.Struct(g); err != nil {
		return nil, err
	}

	var errs []error
	for _, ur := range gj.Users {
		u, err := decodeUser(ur)
		if err != nil {
			errs = append(errs, fmt.Errorf("user: %w", err))
			continue
		}
		g.Users = append(g.Users, u)
	}
	for _, pr := range gj.Points {
		var pj pointJSON
		if err := json.Unmarshal(pr, &pj); err != nil {
			errs = append(errs, fmt.Errorf("point: %w", err))
			continue
		}
		p := Point{
			ID:          string(pj.U),
			Name:        string(pj.Name),
			Description: string(pj.Description),
			Color:       string(pj.Color),
			Coordinate:  Coordinate{Lat: float64(pj.Lat), Lon: float64(pj.Lon)},
			URL:         string(pj.URL),
		}
		if err := validate.Struct(p); err != nil {
			errs = append(errs, fmt.Errorf("point: %w", err))
			continue
		}
		g.Points = append(g.Points, p)
	}
	for _, tr := range gj.Tracks {
		var tj trackJSON
		if err := json.Unmarshal(tr, &tj); err != nil {
			errs = append(errs, fmt.Errorf("track: %w", err))
			continue
		}
		t := Track{ID: string(tj.U), Name: string(tj.Name), Color: string(tj.Color), URL: string(tj.URL), Raw: tr}
		if err := validate.Struct(t); err != nil {
			errs = append(errs, fmt.Errorf("track: %w", err))
			continue
		}
		g.Tracks = append(g.Tracks, t)
	}
	return g, errors.Join(errs...)
}

func decodeUser(r json.RawMessage) (User, error) {
	var uj userJSON
	if err := json.Unmarshal(r, &uj); err != nil {
		return User{}, err
	}
	u := User{
		ID:         string(uj.U),
		Device:     string(uj.Device),
		Name:       string(uj.Name),
		Color:      string(uj.Color),
		Online:     int(uj.Online),
		State:      int(uj.State),
		Coordinate: unknown,
	}
	if uj.Connected > 0 {
		u.Connected = time.Unix(int64(uj.Connected), 0).UTC()
	}
	if uj.Lat != nil && uj.Lon != nil {
		u.Coordinate = Coordinate{Lat: float64(*uj.Lat), Lon: float64(*uj.Lon)}
		u.Track = []Coordinate{u.Coordinate}
	}
	if err := validate.Struct(u); err != nil {
		return User{}, err
	}
	return u, nil
}

// KnownCoordinates lists the last known position of every user in the
// active groups as coordinates that were not pushed recently.
func KnownCoordinates(groups []Group) []UserGroupCoordinate {
	var out []UserGroupCoordinate
	for _, g := range groups {
		if !g.Active {
			continue
		}
		gid, err := strconv.Atoi(g.ID)
		if err != nil {
			continue
		}
		for _, u := range g.Users {
			uid, err := strconv.Atoi(u.ID)
			if err != nil || !u.Coordinate.Known() {
				continue
			}
			out = append(out, UserGroupCoordinate{
				GroupID:  gid,
				UserID:   uid,
				Location: Location{Lat: u.Coordinate.Lat, Lon: u.Coordinate.Lon},
			})
		}
	}
	return out
}

// flexString accepts a json string or number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		return nil
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", b)
		}
		*s = flexString(n.String())
		return nil
	}
}

// flexFloat accepts a json number or a numeric string. An empty string reads
// as zero.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return fmt.Errorf("expected number, got %s", b)
	}
	*f = flexFloat(v)
	return nil
}

// flexBool accepts true, 1 and "1" as true.
type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true", "1", `"1"`, `"true"`:
		*v = true
	case "false", "0", `"0"`, `"false"`, `""`, "null":
		*v = false
	default:
		return fmt.Errorf("expected boolean, got %s", b)
	}
	return nil
}
