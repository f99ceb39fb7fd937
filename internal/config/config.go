package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "GROUPSHARE"

type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Server    ServerConfig    `mapstructure:"server"`
	Reach     ReachConfig     `mapstructure:"reach"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Api       ApiConfig       `mapstructure:"api"`
	DB        DBConfig        `mapstructure:"db"`
	Nats      NatsConfig      `mapstructure:"nats"`
	Log       LogConfig       `mapstructure:"log"`
}

// DeviceConfig holds either a static device key and server address or the
// credential service used to fetch them.
type DeviceConfig struct {
	Key           string        `mapstructure:"key" validate:"required_without=CredentialURL"`
	Address       string        `mapstructure:"address" validate:"required_without=CredentialURL"`
	Token         string        `mapstructure:"token"`
	CredentialURL string        `mapstructure:"credential_url" validate:"omitempty,url"`
	AppKey        string        `mapstructure:"app_key"`
	ID            string        `mapstructure:"id"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type ServerConfig struct {
	TLS         bool          `mapstructure:"tls"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gte=0"`
	SessionHost string        `mapstructure:"session_host" validate:"required"`
	Node        uint64        `mapstructure:"node"`
}

// ReachConfig with an empty WANAddr means the network is always considered
// reachable.
type ReachConfig struct {
	WANAddr   string        `mapstructure:"wan_addr"`
	LocalAddr string        `mapstructure:"local_addr"`
	Interval  time.Duration `mapstructure:"interval" validate:"gte=0"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type ReconnectConfig struct {
	// Limit is connect attempts per second, zero is unlimited.
	Limit float64 `mapstructure:"limit" validate:"gte=0"`
	Burst int     `mapstructure:"burst" validate:"gte=0"`
}

type MonitorConfig struct {
	Groups      []int `mapstructure:"groups" validate:"dive,gt=0"`
	OpenSession bool  `mapstructure:"open_session"`
}

type ApiConfig struct {
	Listen         string   `mapstructure:"listen" validate:"required"`
	KeyHash        string   `mapstructure:"key_hash"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DBConfig with an empty URL disables the history store. Log then writes
// coordinates to the log instead.
type DBConfig struct {
	URL           string        `mapstructure:"url"`
	Table         string        `mapstructure:"table" validate:"required"`
	BufSize       int           `mapstructure:"buf_size" validate:"gte=0"`
	MaxAgeFlush   time.Duration `mapstructure:"max_age_flush" validate:"gte=0"`
	SaveGroupList bool          `mapstructure:"save_group_list"`
	Log           bool          `mapstructure:"log"`
}

type NatsConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level    string        `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	BufSize  int           `mapstructure:"buf_size" validate:"gte=0"`
	TimerDur time.Duration `mapstructure:"timer_dur" validate:"gte=0"`
	Capacity int           `mapstructure:"capacity" validate:"gte=0"`
	History  int           `mapstructure:"history" validate:"gte=0"`
}

// SetDefaults registers every key so environment variables are picked up by
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device.key", "")
	v.SetDefault("device.address", "")
	v.SetDefault("device.token", "")
	v.SetDefault("device.credential_url", "")
	v.SetDefault("device.app_key", "")
	v.SetDefault("device.id", "")
	v.SetDefault("device.timeout", 10*time.Second)

	v.SetDefault("server.tls", false)
	v.SetDefault("server.dial_timeout", 10*time.Second)
	v.SetDefault("server.queue_size", 64)
	v.SetDefault("server.session_host", "osmo.mobi")
	v.SetDefault("server.node", 1)

	v.SetDefault("reach.wan_addr", "")
	v.SetDefault("reach.local_addr", "")
	v.SetDefault("reach.interval", 30*time.Second)
	v.SetDefault("reach.timeout", 5*time.Second)

	v.SetDefault("reconnect.limit", 1.0)
	v.SetDefault("reconnect.burst", 1)

	v.SetDefault("monitor.groups", []int{})
	v.SetDefault("monitor.open_session", false)

	v.SetDefault("api.listen", "127.0.0.1:3333")
	v.SetDefault("api.key_hash", "")
	v.SetDefault("api.allowed_origins", []string{})

	v.SetDefault("db.url", "")
	v.SetDefault("db.table", "group_coordinate")
	v.SetDefault("db.buf_size", 256)
	v.SetDefault("db.max_age_flush", 5*time.Second)
	v.SetDefault("db.save_group_list", false)
	v.SetDefault("db.log", false)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "groupshare.coordinates")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.buf_size", 32)
	v.SetDefault("log.timer_dur", 5*time.Second)
	v.SetDefault("log.capacity", 1024)
	v.SetDefault("log.history", 256)
}

// Load reads defaults, the optional file and GROUPSHARE_* variables, in that
// order of precedence from lowest.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
