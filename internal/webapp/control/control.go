package control

import (
	"context"
	"errors"
	"net/http"

	"github.com/phuslu/log"

	"nuha.dev/groupshare/internal/osmo/codec"
	"nuha.dev/groupshare/internal/osmo/engine"
	"nuha.dev/groupshare/internal/session"
	"nuha.dev/groupshare/internal/util"
	"nuha.dev/groupshare/internal/webapp/common"
)

const (
	MsgNotConnected   string = "not connected"
	MsgNoSession      string = "session is not open"
	MsgConnectPending string = "connect already in progress"
)

// Coordinator is the part of session.Manager driven by the control API.
type Coordinator interface {
	Connect()
	Disconnect()
	OpenSession()
	CloseSession()
	GetGroups()
	EnterGroup(name, nick string)
	LeaveGroup(u string)
	ActivateAllGroups()
	DeactivateAllGroups()
	SendCoordinates(locs []codec.Location)
	SetMonitoringGroups(ids []int)
	MonitoringGroups() []int
	Status() session.Status
	SessionURL() (string, error)
}

type EnterGroupRequestModel struct {
	Name string `json:"name" validate:"required"`
	Nick string `json:"nick"`
}

type LeaveGroupRequestModel struct {
	Group string `json:"group" validate:"required"`
}

type MonitoringRequestModel struct {
	Groups []int `json:"groups" validate:"dive,gt=0"`
}

type MonitoringResponseModel struct {
	Groups []int `json:"groups"`
}

type CoordinateModel struct {
	Latitude  float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"min=-180,max=180"`
	Speed     float64 `json:"speed" validate:"min=0"`
	Altitude  int     `json:"altitude"`
	Accuracy  int     `json:"accuracy" validate:"min=0"`
}

type SendCoordinatesRequestModel struct {
	Coordinates []CoordinateModel `json:"coordinates" validate:"required,min=1,dive"`
}

type SessionURLResponseModel struct {
	Accepted bool   `json:"accepted"`
	URL      string `json:"url,omitempty"`
}

type ControlApi struct {
	coord Coordinator
	log   log.Logger
}

func NewControlApi(coord Coordinator) *ControlApi {
	o := &ControlApi{coord: coord}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "control-api").Value()
	return o
}

func (api *ControlApi) trace(ctx context.Context, fn string) {
	if client, ok := ctx.Value(common.ClientAttributeKey).(*common.ClientAttribute); ok {
		api.log.Debug().Str("func", fn).Str("remote", client.Remote).Msg("")
	}
}

// connectedCommand forwards cmd. The coordinator drops it silently when not
// connected, so res reports the state seen before forwarding.
func (api *ControlApi) connectedCommand(ctx context.Context, fn string, res *common.CommandResponse, cmd func()) error {
	api.trace(ctx, fn)
	res.Accepted = api.coord.Status().Connected
	if !res.Accepted {
		res.Message = MsgNotConnected
	}
	cmd()
	return nil
}

func (api *ControlApi) GetStatus(ctx context.Context, res *session.Status) error {
	*res = api.coord.Status()
	return nil
}

func (api *ControlApi) Connect(ctx context.Context, res *common.CommandResponse) error {
	api.trace(ctx, "Connect")
	res.Accepted = !api.coord.Status().Connecting
	if !res.Accepted {
		res.Message = MsgConnectPending
	}
	api.coord.Connect()
	return nil
}

func (api *ControlApi) Disconnect(ctx context.Context, res *common.CommandResponse) error {
	api.trace(ctx, "Disconnect")
	api.coord.Disconnect()
	res.Accepted = true
	return nil
}

func (api *ControlApi) OpenSession(ctx context.Context, res *common.CommandResponse) error {
	return api.connectedCommand(ctx, "OpenSession", res, api.coord.OpenSession)
}

func (api *ControlApi) CloseSession(ctx context.Context, res *common.CommandResponse) error {
	return api.connectedCommand(ctx, "CloseSession", res, api.coord.CloseSession)
}

func (api *ControlApi) GetGroups(ctx context.Context, res *common.CommandResponse) error {
	return api.connectedCommand(ctx, "GetGroups", res, api.coord.GetGroups)
}

func (api *ControlApi) EnterGroup(ctx context.Context, req *EnterGroupRequestModel, res *common.CommandResponse) error {
	return api.connectedCommand(ctx, "EnterGroup", res, func() { api.coord.EnterGroup(req.Name, req.Nick) })
}

func (api *ControlApi) LeaveGroup(ctx context.Context, req *LeaveGroupRequestModel, res *common.CommandResponse) error {
	return api.connectedCommand(ctx, "LeaveGroup", res, func() { api.coord.LeaveGroup(req.Group) })
}

func (api *ControlApi) ActivateAllGroups(ctx context.Context, res *common.CommandResponse) error {
	return api.connectedCommand(ctx, "ActivateAllGroups", res, api.coord.ActivateAllGroups)
}

func (api *ControlApi) DeactivateAllGroups(ctx context.Context, res *common.CommandResponse) error {
	return api.connectedCommand(ctx, "DeactivateAllGroups", res, api.coord.DeactivateAllGroups)
}

func (api *ControlApi) SendCoordinates(ctx context.Context, req *SendCoordinatesRequestModel, res *common.CommandResponse) error {
	api.trace(ctx, "SendCoordinates")
	res.Accepted = api.coord.Status().SessionOpened
	if !res.Accepted {
		res.Message = MsgNoSession
	}
	locs := make([]codec.Location, len(req.Coordinates))
	for i, c := range req.Coordinates {
		locs[i] = codec.Location{Lat: c.Latitude, Lon: c.Longitude, Speed: c.Speed, Alt: c.Altitude, Accuracy: c.Accuracy}
	}
	api.coord.SendCoordinates(locs)
	return nil
}

func (api *ControlApi) SetMonitoringGroups(ctx context.Context, req *MonitoringRequestModel, res *MonitoringResponseModel) error {
	api.trace(ctx, "SetMonitoringGroups")
	api.coord.SetMonitoringGroups(req.Groups)
	res.Groups = api.coord.MonitoringGroups()
	return nil
}

func (api *ControlApi) GetMonitoringGroups(ctx context.Context, res *MonitoringResponseModel) error {
	res.Groups = api.coord.MonitoringGroups()
	return nil
}

func (api *ControlApi) GetSessionURL(ctx context.Context, res *SessionURLResponseModel) error {
	u, err := api.coord.SessionURL()
	if errors.Is(err, engine.ErrSessionURL) {
		res.Accepted = false
		return nil
	}
	if err != nil {
		return err
	}
	res.Accepted = true
	res.URL = u
	return nil
}

// StatusHandler serves the plain status document.
func (api *ControlApi) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s := api.coord.Status()
	if s.MonitoringGroups == nil {
		s.MonitoringGroups = []int{}
	}
	util.JsonWrite(w, s)
}
