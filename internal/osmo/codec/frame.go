package codec

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrUnrecognized = errors.New("unrecognized frame")
	ErrBadBody      = errors.New("frame body is not valid json")
)

// Frame is one protocol line without its trailing newline.
//
// On the wire a frame is `head|body` with `head = command[:param]`. Only the
// first `|` and the first `:` of the head are significant, the body may
// contain both.
type Frame struct {
	Tag     Tag
	Command string
	Param   string
	Body    string
	HasBody bool
}

func (f Frame) String() string {
	var b strings.Builder
	b.WriteString(f.Command)
	if f.Param != "" {
		b.WriteByte(':')
		b.WriteString(f.Param)
	}
	if f.HasBody {
		b.WriteByte('|')
		b.WriteString(f.Body)
	}
	return b.String()
}

// MatchTag returns the tag of the first answer prefix the line starts with.
func MatchTag(line string) Tag {
	for _, pt := range answerTable {
		if strings.HasPrefix(line, pt.prefix) {
			return pt.tag
		}
	}
	return TagUnknown
}

// Decode parses an incoming line. Lines that match no known tag return
// ErrUnrecognized, auth and token lines whose body is not json return
// ErrBadBody.
func Decode(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	f := Frame{Tag: MatchTag(line)}
	if f.Tag == TagUnknown {
		return f, ErrUnrecognized
	}
	head := line
	if i := strings.IndexByte(line, '|'); i >= 0 {
		head = line[:i]
		f.Body = line[i+1:]
		f.HasBody = true
	}
	f.Command = head
	if i := strings.IndexByte(head, ':'); i >= 0 {
		f.Command = head[:i]
		f.Param = head[i+1:]
	}
	if f.Tag == TagAuth || f.Tag == TagToken {
		if !json.Valid([]byte(f.Body)) {
			return f, ErrBadBody
		}
	}
	return f, nil
}

func newFrame(cmd Command, param string) Frame {
	return Frame{Command: string(cmd), Param: param}
}

func withBody(f Frame, body string) Frame {
	f.Body = body
	f.HasBody = true
	return f
}

func EncodeAuth(deviceKey string) string {
	return withBody(newFrame(AUTH, ""), deviceKey).String()
}

func EncodeOpenSession() string {
	return newFrame(OPEN_SESSION, "").String()
}

func EncodeCloseSession() string {
	return newFrame(CLOSE_SESSION, "").String()
}

func EncodeGetGroups() string {
	return newFrame(GET_GROUPS, "").String()
}

// EncodeEnterGroup produces `GE:<name>|<nick>`.
func EncodeEnterGroup(name, nick string) string {
	return withBody(newFrame(ENTER_GROUP, name), nick).String()
}

func EncodeLeaveGroup(u string) string {
	return newFrame(LEAVE_GROUP, u).String()
}

func EncodeActivateAllGroups() string {
	return newFrame(ACTIVATE_ALL_GROUP, "").String()
}

func EncodeDeactivateAllGroups() string {
	return newFrame(DEACTIVATE_ALL_GROUP, "").String()
}

func EncodePing() string {
	return newFrame(PING, "").String()
}

func EncodeCoordinate(loc Location) string {
	return withBody(newFrame(COORDINATE, ""), loc.Compact()).String()
}

func EncodeSystemInfo(info SystemInfo) (string, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return withBody(newFrame(SYSTEM_INFO, TRACKER_SYSTEM_INFO), string(b)).String(), nil
}

// ParseBoolAnswer implements the acknowledgement convention: "1" is true,
// anything else is false.
func ParseBoolAnswer(body string) bool {
	return body == "1"
}

// ParseGroupID reads the numeric parameter of a group coordinate frame.
func ParseGroupID(param string) (int, error) {
	return strconv.Atoi(param)
}
