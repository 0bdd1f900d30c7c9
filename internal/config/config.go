// Package config loads the server settings: built-in defaults, then an
// optional TOML file, then command-line and environment overrides.
package config

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Capture types a room limits.
var CaptureTypes = []string{"video", "webcam", "mic", "audio"}

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Engine EngineConfig `toml:"engine"`
	Rooms  RoomsConfig  `toml:"rooms"`
	// YouTubeAPIKey enables YouTube metadata lookups.
	YouTubeAPIKey string `toml:"youtube_api_key"`
}

// ServerConfig configures the HTTPS, HTTP/3 and websocket listener.
type ServerConfig struct {
	Addr     string `toml:"addr"`
	WebDir   string `toml:"web_dir"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// EngineConfig configures the media engine and the orchestrator's calls
// into it.
type EngineConfig struct {
	Dev         bool     `toml:"dev"`
	Workers     int      `toml:"workers"`
	RTCMinPort  uint16   `toml:"rtc_min_port"`
	RTCMaxPort  uint16   `toml:"rtc_max_port"`
	AnnouncedIP string   `toml:"announced_ip"`
	TCPPort     int      `toml:"tcp_port"`
	ICEServers  []string `toml:"ice_servers"`
	CallTimeout Duration `toml:"call_timeout"`
}

// Capture limits one media type in a room.
type Capture struct {
	Enabled    bool `toml:"enabled" json:"enabled"`
	MaxStreams int  `toml:"max_streams" json:"maxStreams"`
	// MaxBitrate is in kilobits per second.
	MaxBitrate int `toml:"max_bitrate" json:"maxBitrate"`
}

// RoomLimits are the limits applied to one room.
type RoomLimits struct {
	MaxUsers int                `toml:"max_users" json:"maxUsers"`
	Capture  map[string]Capture `toml:"capture" json:"capture"`
}

// CaptureFor returns the limits for a media type. Unknown types are
// disabled.
func (l RoomLimits) CaptureFor(typ string) Capture {
	return l.Capture[typ]
}

// MaxIncomingBitrate is the bitrate in bits per second applied to every
// transport in the room.
func (l RoomLimits) MaxIncomingBitrate() int {
	return l.Capture["video"].MaxBitrate * 1000
}

// RoomsConfig holds the default room limits and per-room overrides. An
// override only carries what differs from the default: a zero max_users
// and any capture type it does not name are inherited.
type RoomsConfig struct {
	Default  RoomLimits            `toml:"default"`
	Override map[string]RoomLimits `toml:"override"`
}

// For returns the limits for roomID.
func (r RoomsConfig) For(roomID string) RoomLimits {
	o, ok := r.Override[roomID]
	if !ok {
		return r.Default
	}
	l := RoomLimits{
		MaxUsers: r.Default.MaxUsers,
		Capture:  make(map[string]Capture, len(r.Default.Capture)),
	}
	maps.Copy(l.Capture, r.Default.Capture)
	maps.Copy(l.Capture, o.Capture)
	if o.MaxUsers != 0 {
		l.MaxUsers = o.MaxUsers
	}
	return l
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:   ":4443",
			WebDir: "web/dist",
		},
		Engine: EngineConfig{
			RTCMinPort:  10000,
			RTCMaxPort:  19999,
			CallTimeout: Duration{10 * time.Second},
		},
		Rooms: RoomsConfig{
			Default: RoomLimits{
				MaxUsers: 8,
				Capture: map[string]Capture{
					"video":  {Enabled: true, MaxStreams: 2, MaxBitrate: 3000},
					"webcam": {Enabled: true, MaxStreams: 8, MaxBitrate: 1000},
					"mic":    {Enabled: true, MaxStreams: 8, MaxBitrate: 128},
					"audio":  {Enabled: true, MaxStreams: 2, MaxBitrate: 256},
				},
			},
		},
	}
}

// Overrides are settings given on the command line or in the environment.
// Zero values leave the loaded configuration alone. The kong tags bind
// them in cmd/sofa.
type Overrides struct {
	Addr          string `help:"Listen address for HTTPS and HTTP/3." env:"SOFA_ADDR"`
	WebDir        string `help:"Directory of the web client." env:"WEB_DIR"`
	CertFile      string `help:"TLS certificate (PEM)." type:"path" env:"SOFA_CERT_FILE"`
	KeyFile       string `help:"TLS private key (PEM)." type:"path" env:"SOFA_KEY_FILE"`
	AnnouncedIP   string `help:"Public IP announced in ICE candidates." name:"announced-ip" env:"SOFA_ANNOUNCED_IP"`
	YouTubeAPIKey string `help:"YouTube Data API key." name:"youtube-api-key" env:"YOUTUBE_API_KEY"`
	Dev           bool   `help:"Run a single media worker." env:"SOFA_DEV"`
	MaxUsers      int    `help:"Default participant limit per room." env:"SOFA_MAX_USERS"`
}

// Load reads the configuration. An empty path skips the file. Overrides
// win over both.
func Load(path string, o Overrides) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	cfg.apply(o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(o Overrides) {
	setString(&c.Server.Addr, o.Addr)
	setString(&c.Server.WebDir, o.WebDir)
	setString(&c.Server.CertFile, o.CertFile)
	setString(&c.Server.KeyFile, o.KeyFile)
	setString(&c.Engine.AnnouncedIP, o.AnnouncedIP)
	setString(&c.YouTubeAPIKey, o.YouTubeAPIKey)
	if o.Dev {
		c.Engine.Dev = true
	}
	if o.MaxUsers != 0 {
		c.Rooms.Default.MaxUsers = o.MaxUsers
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	if c.Engine.Workers < 0 {
		errs = append(errs, fmt.Errorf("engine.workers must not be negative, got %d", c.Engine.Workers))
	}
	if c.Engine.RTCMinPort == 0 || c.Engine.RTCMaxPort < c.Engine.RTCMinPort {
		errs = append(errs, fmt.Errorf("engine RTC port range %d-%d is invalid", c.Engine.RTCMinPort, c.Engine.RTCMaxPort))
	}
	if c.Engine.TCPPort < 0 || c.Engine.TCPPort > 65535 {
		errs = append(errs, fmt.Errorf("engine.tcp_port %d is out of range", c.Engine.TCPPort))
	}
	if c.Engine.CallTimeout.Duration < 0 {
		errs = append(errs, errors.New("engine.call_timeout must not be negative"))
	}
	errs = append(errs, validateLimits("rooms.default", c.Rooms.Default)...)
	for id := range c.Rooms.Override {
		errs = append(errs, validateLimits("rooms.override."+id, c.Rooms.For(id))...)
	}
	return errors.Join(errs...)
}

func validateLimits(name string, l RoomLimits) []error {
	var errs []error
	if l.MaxUsers < 1 {
		errs = append(errs, fmt.Errorf("%s.max_users must be positive, got %d", name, l.MaxUsers))
	}
	for typ, c := range l.Capture {
		if !isCaptureType(typ) {
			errs = append(errs, fmt.Errorf("%s.capture.%s is not a media type", name, typ))
			continue
		}
		if c.MaxStreams < 0 || c.MaxBitrate < 0 {
			errs = append(errs, fmt.Errorf("%s.capture.%s limits must not be negative", name, typ))
		}
	}
	return errs
}

func isCaptureType(typ string) bool {
	for _, t := range CaptureTypes {
		if t == typ {
			return true
		}
	}
	return false
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
