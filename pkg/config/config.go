// Package config loads chatwire settings from defaults, an optional YAML
// file and CHATWIRE_* environment variables.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/chatwire/pkg/transport"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHATWIRE"

// Endpoint paths appended to BaseURL when no explicit URL is configured.
const (
	SocketPath    = "/ws"
	SSEPath       = "/events"
	PollingPath   = "/poll"
	DiscoveryPath = "/transport"
	ManifestPath  = "/components"
)

type TransportURLs struct {
	Socket  string `mapstructure:"socket"`
	SSE     string `mapstructure:"sse"`
	Polling string `mapstructure:"polling"`
}

type DiscoverySettings struct {
	URL       string `mapstructure:"url"`
	CacheSize int    `mapstructure:"cache-size"`
	// RedisAddr switches the discovery cache to redis, shared between
	// processes.
	RedisAddr   string        `mapstructure:"redis-addr"`
	RedisPrefix string        `mapstructure:"redis-prefix"`
	RedisTTL    time.Duration `mapstructure:"redis-ttl"`
}

type ComponentSettings struct {
	ManifestURL string `mapstructure:"manifest-url"`
	ManifestDir string `mapstructure:"manifest-dir"`
	ScriptRoot  string `mapstructure:"script-root"`
}

// ReconnectSettings are policy knobs for callers driving Reconnect.
type ReconnectSettings struct {
	MaxAttempts int           `mapstructure:"max-attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

type Settings struct {
	BaseURL          string            `mapstructure:"base-url"`
	DefaultTransport string            `mapstructure:"default-transport"`
	ConnectTimeout   time.Duration     `mapstructure:"connect-timeout"`
	ResponseTimeout  time.Duration     `mapstructure:"response-timeout"`
	PollInterval     time.Duration     `mapstructure:"poll-interval"`
	Transports       TransportURLs     `mapstructure:"transports"`
	Discovery        DiscoverySettings `mapstructure:"discovery"`
	Components       ComponentSettings `mapstructure:"components"`
	Reconnect        ReconnectSettings `mapstructure:"reconnect"`
	LogLevel         string            `mapstructure:"log-level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base-url", "http://localhost:8000")
	v.SetDefault("default-transport", string(transport.KindSSE))
	v.SetDefault("connect-timeout", transport.DefaultConnectTimeout)
	v.SetDefault("response-timeout", transport.DefaultResponseTimeout)
	v.SetDefault("poll-interval", transport.DefaultPollInterval)
	v.SetDefault("transports.socket", "")
	v.SetDefault("transports.sse", "")
	v.SetDefault("transports.polling", "")
	v.SetDefault("discovery.url", "")
	v.SetDefault("discovery.cache-size", 0)
	v.SetDefault("discovery.redis-addr", "")
	v.SetDefault("discovery.redis-prefix", "chatwire:transport:")
	v.SetDefault("discovery.redis-ttl", time.Hour)
	v.SetDefault("components.manifest-url", "")
	v.SetDefault("components.manifest-dir", "")
	v.SetDefault("components.script-root", "")
	v.SetDefault("reconnect.max-attempts", 3)
	v.SetDefault("reconnect.delay", 2*time.Second)
	v.SetDefault("log-level", "info")
}

// NewViper returns a viper instance with defaults and environment binding.
// configFile may be empty, in which case config.yaml is looked up in
// $HOME/.chatwire and the working directory.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.chatwire")
		v.AddConfigPath(".")
	}
	return v
}

// Load reads settings. Flags, when given, override every other source for
// the keys they are bound to; flag names match the setting keys.
func Load(configFile string, flags *pflag.FlagSet) (*Settings, error) {
	v := NewViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if _, ok := transport.ParseKind(s.DefaultTransport); !ok {
		return errors.Wrapf(transport.ErrUnknownKind, "default-transport %q", s.DefaultTransport)
	}
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Errorf("base-url %q is not an absolute url", s.BaseURL)
		}
	}
	for name, d := range map[string]time.Duration{
		"connect-timeout":  s.ConnectTimeout,
		"response-timeout": s.ResponseTimeout,
		"poll-interval":    s.PollInterval,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if s.Reconnect.MaxAttempts < 0 {
		return errors.Errorf("reconnect.max-attempts must not be negative")
	}
	return nil
}

// endpoint resolves an explicit URL or BaseURL+path.
func (s *Settings) endpoint(explicit, path string) string {
	if explicit != "" || s.BaseURL == "" {
		return explicit
	}
	return strings.TrimRight(s.BaseURL, "/") + path
}

// SocketURL derives the websocket URL, switching http(s) to ws(s).
func (s *Settings) SocketURL() string {
	raw := s.endpoint(s.Transports.Socket, SocketPath)
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

func (s *Settings) SSEURL() string { return s.endpoint(s.Transports.SSE, SSEPath) }

func (s *Settings) PollingURL() string { return s.endpoint(s.Transports.Polling, PollingPath) }

func (s *Settings) DiscoveryURL() string { return s.endpoint(s.Discovery.URL, DiscoveryPath) }

func (s *Settings) ManifestURL() string { return s.endpoint(s.Components.ManifestURL, ManifestPath) }

// DefaultKind returns the parsed default transport; Validate guarantees it
// parses.
func (s *Settings) DefaultKind() transport.Kind {
	if k, ok := transport.ParseKind(s.DefaultTransport); ok {
		return k
	}
	return transport.KindSSE
}
