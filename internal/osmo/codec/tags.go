package codec

// Command is the head of an outgoing frame.
type Command string

const (
	AUTH                 Command = "INIT"
	OPEN_SESSION         Command = "TO"
	CLOSE_SESSION        Command = "TC"
	GET_GROUPS           Command = "GROUP"
	ENTER_GROUP          Command = "GE"
	LEAVE_GROUP          Command = "GL"
	ACTIVATE_ALL_GROUP   Command = "GAA"
	DEACTIVATE_ALL_GROUP Command = "GDA"
	PING                 Command = "P"
	COORDINATE           Command = "T"
	SYSTEM_INFO          Command = "RCR"
)

const (
	// TRACKER_SYSTEM_INFO is the remote command the server sends to ask for
	// device information. It is also the parameter of the reply frame.
	TRACKER_SYSTEM_INFO string = "TRACKER_SYSTEM_INFO"
)

// Tag identifies the kind of an incoming frame.
type Tag int

const (
	TagUnknown Tag = iota
	TagAuth
	TagToken
	TagOpenedSession
	TagCloseSession
	TagKick
	TagGetGroups
	TagEnterGroup
	TagLeaveGroup
	TagGroupsDisabled
	TagGroupsEnabled
	TagGroupCoordinates
	TagRemoteCommand
	TagPong
	TagCoordinate
)

var tagNames = map[Tag]string{
	TagUnknown:          "unknown",
	TagAuth:             "auth",
	TagToken:            "token",
	TagOpenedSession:    "opened_session",
	TagCloseSession:     "close_session",
	TagKick:             "kick",
	TagGetGroups:        "get_groups",
	TagEnterGroup:       "enter_group",
	TagLeaveGroup:       "leave_group",
	TagGroupsDisabled:   "groups_disabled",
	TagGroupsEnabled:    "groups_enabled",
	TagGroupCoordinates: "group_coordinates",
	TagRemoteCommand:    "remote_command",
	TagPong:             "pong",
	TagCoordinate:       "coordinate",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return "unknown"
}

type prefixTag struct {
	prefix string
	tag    Tag
}

// answerTable is matched in order against the start of a line, first match
// wins. Literals that are prefixes of other literals must come after them.
var answerTable = []prefixTag{
	{"INIT", TagAuth},
	{"TOKEN", TagToken},
	{"TO", TagOpenedSession},
	{"TC", TagCloseSession},
	{"KICK", TagKick},
	{"GROUP", TagGetGroups},
	{"GE", TagEnterGroup},
	{"GL", TagLeaveGroup},
	{"GDA", TagGroupsDisabled},
	{"GAA", TagGroupsEnabled},
	{"G:", TagGroupCoordinates},
	{"RC", TagRemoteCommand},
	{"P", TagPong},
	{"T", TagCoordinate},
}
