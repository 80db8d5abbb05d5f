// Package config loads process configuration with viper.
//
// Values resolve in the order runtime overrides, environment, YAML file,
// defaults. Environment variables are TACTILE_<SECTION>_<KEY>; the
// credentials and protocol also answer to the short names TACTILE_ROBOT_ID,
// TACTILE_API_KEY, TACTILE_TTL_MINUTES, TACTILE_PROTOCOL and
// TACTILE_BACKEND_URL.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tactilerobotics/teleop/pkg/logging"
)

const EnvPrefix = "TACTILE"

type Config struct {
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logger   logging.Config `mapstructure:"logger" yaml:"logger"`
	Control  ControlConfig  `mapstructure:"control" yaml:"control"`
	Cameras  []CameraConfig `mapstructure:"cameras" yaml:"cameras"`
	Follower FollowerConfig `mapstructure:"follower" yaml:"follower"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// AuthConfig is the robot's credential and the auth service location.
type AuthConfig struct {
	BackendURL string        `mapstructure:"backend_url" yaml:"backend_url"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	RobotID    string        `mapstructure:"robot_id" yaml:"robot_id"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	TTLMinutes int           `mapstructure:"ttl_minutes" yaml:"ttl_minutes"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ProtocolConfig struct {
	Name   string       `mapstructure:"name" yaml:"name"`
	WebRTC WebRTCConfig `mapstructure:"webrtc" yaml:"webrtc"`
	NATS   NATSConfig   `mapstructure:"nats" yaml:"nats"`
}

type WebRTCConfig struct {
	// ICEURLs are STUN/TURN urls. Empty uses host candidates only.
	ICEURLs       []string      `mapstructure:"ice_urls" yaml:"ice_urls"`
	ICEUsername   string        `mapstructure:"ice_username" yaml:"ice_username"`
	ICECredential string        `mapstructure:"ice_credential" yaml:"ice_credential"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout" yaml:"gather_timeout"`
}

type NATSConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	Mode string `mapstructure:"mode" yaml:"mode"`

	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	// PublicURL is returned to webrtc nodes as their signaling server.
	PublicURL string `mapstructure:"public_url" yaml:"public_url"`
	// NATSURL is returned to nats nodes.
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
	// APIKeys maps robot ids to their api keys.
	APIKeys map[string]string `mapstructure:"api_keys" yaml:"api_keys"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ControlConfig struct {
	NodeID     string   `mapstructure:"node_id" yaml:"node_id"`
	Controller string   `mapstructure:"controller" yaml:"controller"`
	Components []string `mapstructure:"components" yaml:"components"`
	// Sources is the operator allow-list. Empty accepts every source.
	Sources   []string `mapstructure:"sources" yaml:"sources"`
	Hz        int      `mapstructure:"hz" yaml:"hz"`
	QueueSize int      `mapstructure:"queue_size" yaml:"queue_size"`
	// Hands maps controller hands to component ids when they differ.
	Hands map[string]string `mapstructure:"hands" yaml:"hands"`
}

type CameraConfig struct {
	NodeID  string `mapstructure:"node_id" yaml:"node_id"`
	Width   int    `mapstructure:"width" yaml:"width"`
	Height  int    `mapstructure:"height" yaml:"height"`
	FPS     int    `mapstructure:"fps" yaml:"fps"`
	Bitrate int    `mapstructure:"bitrate" yaml:"bitrate"`
	// Source is an Annex-B H.264 file streamed in a loop. Empty leaves
	// the track to a FrameSource supplied in code.
	Source string `mapstructure:"source" yaml:"source,omitempty"`
}

type FollowerConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Port        string `mapstructure:"port" yaml:"port"`
	Calibration string `mapstructure:"calibration" yaml:"calibration"`
	// Component is the control component the arm follows.
	Component     string  `mapstructure:"component" yaml:"component"`
	GripperOpen   float64 `mapstructure:"gripper_open" yaml:"gripper_open"`
	GripperClosed float64 `mapstructure:"gripper_closed" yaml:"gripper_closed"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Options controls a Load.
type Options struct {
	// File is a YAML config path. Empty skips the file.
	File string
	// Overrides win over every other source. Keys are dotted, e.g.
	// "control.hz".
	Overrides map[string]any
}

// shortEnv are the flat variable names accepted besides the sectioned ones.
var shortEnv = map[string]string{
	"auth.robot_id":    "TACTILE_ROBOT_ID",
	"auth.api_key":     "TACTILE_API_KEY",
	"auth.ttl_minutes": "TACTILE_TTL_MINUTES",
	"auth.backend_url": "TACTILE_BACKEND_URL",
	"protocol.name":    "TACTILE_PROTOCOL",
}

// Load resolves the configuration. It does not validate it.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, short := range shortEnv {
		sectioned := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, short, sectioned); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", short, err)
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, val := range opts.Overrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.fillCameras()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("auth.backend_url", "https://localhost:8443/")
	v.SetDefault("auth.endpoint", "api/robot/auth-node")
	v.SetDefault("auth.ttl_minutes", 120)
	v.SetDefault("auth.timeout", 10*time.Second)

	v.SetDefault("protocol.name", "webrtc")
	v.SetDefault("protocol.webrtc.ice_urls", []string{})
	v.SetDefault("protocol.webrtc.ice_username", "")
	v.SetDefault("protocol.webrtc.ice_credential", "")
	v.SetDefault("protocol.webrtc.poll_interval", 500*time.Millisecond)
	v.SetDefault("protocol.webrtc.gather_timeout", 15*time.Second)
	v.SetDefault("protocol.nats.connect_timeout", 5*time.Second)
	v.SetDefault("protocol.nats.max_reconnects", -1)
	v.SetDefault("protocol.nats.reconnect_wait", 2*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.public_url", "http://localhost:8443")
	v.SetDefault("server.nats_url", "nats://localhost:4222")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stderr")

	v.SetDefault("control.node_id", "control_subscriber")
	v.SetDefault("control.controller", "ParallelGripperVRController")
	v.SetDefault("control.components", []string{"left", "right"})
	v.SetDefault("control.sources", []string{})
	v.SetDefault("control.hz", 60)
	v.SetDefault("control.queue_size", 256)

	v.SetDefault("follower.enabled", false)
	v.SetDefault("follower.port", "")
	v.SetDefault("follower.calibration", "")
	v.SetDefault("follower.component", "right")
	v.SetDefault("follower.gripper_open", 60.0)
	v.SetDefault("follower.gripper_closed", -20.0)

	v.SetDefault("metrics.addr", "")
}

// Camera defaults.
const (
	DefaultCameraNodeID = "camera_publisher"
	DefaultCameraWidth  = 640
	DefaultCameraHeight = 480
	DefaultCameraFPS    = 30
	DefaultCameraBPS    = 3_000_000
)

func (c *Config) fillCameras() {
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.NodeID == "" {
			cam.NodeID = DefaultCameraNodeID
		}
		if cam.Width <= 0 {
			cam.Width = DefaultCameraWidth
		}
		if cam.Height <= 0 {
			cam.Height = DefaultCameraHeight
		}
		if cam.FPS <= 0 {
			cam.FPS = DefaultCameraFPS
		}
		if cam.Bitrate <= 0 {
			cam.Bitrate = DefaultCameraBPS
		}
	}
}

// Validate checks what a robot process needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.RobotID == "" {
		errs = append(errs, errors.New("auth.robot_id is required"))
	}
	if c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key is required"))
	}
	if c.Auth.TTLMinutes <= 0 {
		errs = append(errs, errors.New("auth.ttl_minutes must be positive"))
	}
	if c.Protocol.Name == "" {
		errs = append(errs, errors.New("protocol.name is required"))
	}
	if c.Control.Hz <= 0 {
		errs = append(errs, errors.New("control.hz must be positive"))
	}
	if len(c.Control.Components) == 0 {
		errs = append(errs, errors.New("control.components must not be empty"))
	}
	if c.Follower.Enabled && c.Follower.Port == "" {
		errs = append(errs, errors.New("follower.port is required when the follower is enabled"))
	}
	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if seen[cam.NodeID] {
			errs = append(errs, fmt.Errorf("cameras: duplicate node_id %q", cam.NodeID))
		}
		seen[cam.NodeID] = true
	}
	return errors.Join(errs...)
}

// ValidateServer checks what the backend needs.
func (c *Config) ValidateServer() error {
	var errs []error
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("server.jwt_secret is required"))
	}
	if len(c.Server.APIKeys) == 0 {
		errs = append(errs, errors.New("server.api_keys must list at least one robot"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be positive"))
	}
	return errors.Join(errs...)
}

const redacted = "<redacted>"

// YAML renders the configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.Auth.APIKey != "" {
		out.Auth.APIKey = redacted
	}
	if out.Server.JWTSecret != "" {
		out.Server.JWTSecret = redacted
	}
	if out.Protocol.WebRTC.ICECredential != "" {
		out.Protocol.WebRTC.ICECredential = redacted
	}
	if len(out.Server.APIKeys) > 0 {
		keys := make(map[string]string, len(out.Server.APIKeys))
		for id := range out.Server.APIKeys {
			keys[id] = redacted
		}
		out.Server.APIKeys = keys
	}
	return yaml.Marshal(&out)
}
