// Package config loads peerlink settings from defaults, an optional config
// file and PEERLINK_* environment variables. Command-line flags are applied
// on top by the commands themselves.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"

	"github.com/1ureka/peerlink/internal/negotiation"
	"github.com/1ureka/peerlink/internal/room"
	"github.com/1ureka/peerlink/internal/transport"
)

// EnvPrefix prefixes every environment override, e.g. PEERLINK_SIGNALING_URL.
const EnvPrefix = "PEERLINK"

// Config is the full peerlink configuration.
type Config struct {
	Signaling   SignalingConfig   `mapstructure:"signaling"`
	Role        string            `mapstructure:"role"`
	ICE         ICEConfig         `mapstructure:"ice"`
	Media       MediaConfig       `mapstructure:"media"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Stats       StatsConfig       `mapstructure:"stats"`
	Log         LogConfig         `mapstructure:"log"`
	Relay       RelayConfig       `mapstructure:"relay"`
}

type SignalingConfig struct {
	URL  string `mapstructure:"url"`
	Room string `mapstructure:"room"`
}

type ICEConfig struct {
	Servers []ICEServer `mapstructure:"servers"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type MediaConfig struct {
	Video       bool   `mapstructure:"video"`
	Audio       bool   `mapstructure:"audio"`
	DataChannel string `mapstructure:"datachannel"`
}

type NegotiationConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RelayConfig struct {
	Listen      string      `mapstructure:"listen"`
	Environment string      `mapstructure:"environment"`
	MaxPeers    int         `mapstructure:"max_peers"`
	Redis       RedisConfig `mapstructure:"redis"`
}

// RedisConfig enables Redis-backed presence when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("signaling.url", "ws://localhost:8080")
	v.SetDefault("signaling.room", "")
	v.SetDefault("role", string(negotiation.PolicyAuto))
	v.SetDefault("ice.servers", []map[string]any{{"urls": transport.DefaultSTUNServers}})
	v.SetDefault("media.video", true)
	v.SetDefault("media.audio", true)
	v.SetDefault("media.datachannel", "chat")
	v.SetDefault("negotiation.debounce", 50*time.Millisecond)
	v.SetDefault("stats.interval", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("relay.listen", ":8080")
	v.SetDefault("relay.environment", "production")
	v.SetDefault("relay.max_peers", 2)
	v.SetDefault("relay.redis.addr", "")
	v.SetDefault("relay.redis.password", "")
	v.SetDefault("relay.redis.db", 0)
}

// Load reads the configuration. file may be empty; its format follows the
// extension (toml, yaml, json, ...).
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file %s loaded failed: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config file %s unmarshal failed: %w", file, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values no component could run with. An empty room is
// fine: one is generated at startup.
func (c *Config) Validate() error {
	if _, err := negotiation.ParsePolicy(c.Role); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if raw := strings.TrimPrefix(c.Signaling.Room, "#"); raw != "" && !room.Valid(raw) {
		return fmt.Errorf("invalid config: room %q is not of the form xxx-xxxx-xxx", c.Signaling.Room)
	}
	if c.Negotiation.Debounce < 0 {
		return fmt.Errorf("invalid config: negative negotiation.debounce")
	}
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("invalid config: ice.servers[%d] has no urls", i)
		}
	}
	return nil
}

// Policy returns the parsed role policy.
func (c *Config) Policy() negotiation.RolePolicy {
	p, err := negotiation.ParsePolicy(c.Role)
	if err != nil {
		return negotiation.PolicyAuto
	}
	return p
}

// WebRTCICEServers converts the ICE section for pion.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICE.Servers))
	for _, s := range c.ICE.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// TransportOptions is the connection factory configuration.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		ICEServers:  c.WebRTCICEServers(),
		Debounce:    c.Negotiation.Debounce,
		DataChannel: c.Media.DataChannel,
	}
}
