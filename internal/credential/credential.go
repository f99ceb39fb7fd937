package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phuslu/log"
)

const (
	FETCH_START string = "credential_fetch"
	FETCH_ERROR string = "credential_fetch_error"
	REJECTED    string = "credential_rejected"
)

// ErrNoCredential means the provider could not produce any credential. It is
// worth retrying, unlike a credential carrying an error.
var ErrNoCredential = errors.New("no credential available")

// Credential is the auth material for one device. A non empty Error makes it
// unusable.
type Credential struct {
	DeviceKey string `json:"device" validate:"required_without=Error"`
	Token     string `json:"token"`
	Address   string `json:"address" validate:"required_without=Error"`
	Error     string `json:"error"`
}

func (c *Credential) Usable() bool {
	return c != nil && c.Error == ""
}

type Provider interface {
	Credential(ctx context.Context) (*Credential, error)
}

// Static always returns the same credential.
type Static struct {
	Cred Credential
}

func (s Static) Credential(ctx context.Context) (*Credential, error) {
	if s.Cred.DeviceKey == "" && s.Cred.Error == "" {
		return nil, ErrNoCredential
	}
	c := s.Cred
	return &c, nil
}

type HTTPConfig struct {
	URL      string
	AppKey   string
	DeviceID string
	Timeout  time.Duration
}

// HTTPProvider asks the service for a fresh device key and server address.
type HTTPProvider struct {
	log      log.Logger
	config   HTTPConfig
	client   *http.Client
	validate *validator.Validate
}

func NewHTTPProvider(config HTTPConfig) (*HTTPProvider, error) {
	if config.URL == "" {
		return nil, errors.New("credential url is empty")
	}
	if config.DeviceID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		config.DeviceID = id.String()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	p := &HTTPProvider{config: config, client: &http.Client{Timeout: config.Timeout}, validate: validator.New()}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "credential").Value()
	return p, nil
}

func (p *HTTPProvider) DeviceID() string {
	return p.config.DeviceID
}

func (p *HTTPProvider) Credential(ctx context.Context) (*Credential, error) {
	form := url.Values{}
	form.Set("app", p.config.AppKey)
	form.Set("id", p.config.DeviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	p.log.Debug().Str("event", FETCH_START).Str("url", p.config.URL).Msg("")
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Error().Str("event", FETCH_ERROR).Err(err).Msg("")
		return nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.log.Error().Str("event", FETCH_ERROR).Int("status", resp.StatusCode).Msg("")
		return nil, fmt.Errorf("%w: status %d", ErrNoCredential, resp.StatusCode)
	}

	c := &Credential{}
	if err := json.NewDecoder(resp.Body).Decode(c); err != nil {
		p.log.Error().Str("event", FETCH_ERROR).Err(err).Msg("decode")
		return nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if err := p.validate.Struct(c); err != nil {
		p.log.Error().Str("event", FETCH_ERROR).Err(err).Msg("validate")
		return nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if !c.Usable() {
		p.log.Warn().Str("event", REJECTED).Str("error", c.Error).Msg("")
	}
	return c, nil
}
