package common

type ApiContextKeyType string

const ClientAttributeKey ApiContextKeyType = "client_attribute"

type BasicResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// CommandResponse answers a coordinator command. Accepted is false when the
// coordinator state shows the command was ignored.
type CommandResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

type StringResponse struct {
	Value string `json:"value"`
}

type ClientAttribute struct {
	Role   string
	Remote string
}
