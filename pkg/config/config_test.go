package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tactile.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, "https://localhost:8443/", cfg.Auth.BackendURL)
	assert.Equal(t, "api/robot/auth-node", cfg.Auth.Endpoint)
	assert.Equal(t, 120, cfg.Auth.TTLMinutes)
	assert.Equal(t, 10*time.Second, cfg.Auth.Timeout)
	assert.Equal(t, "webrtc", cfg.Protocol.Name)
	assert.Equal(t, 500*time.Millisecond, cfg.Protocol.WebRTC.PollInterval)
	assert.Equal(t, "control_subscriber", cfg.Control.NodeID)
	assert.Equal(t, "ParallelGripperVRController", cfg.Control.Controller)
	assert.Equal(t, []string{"left", "right"}, cfg.Control.Components)
	assert.Equal(t, 60, cfg.Control.Hz)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Empty(t, cfg.Cameras)

	err = cfg.Validate()
	assert.ErrorContains(t, err, "auth.robot_id is required")
	assert.ErrorContains(t, err, "auth.api_key is required")
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, map[string]any{
		"auth": map[string]any{
			"robot_id":    "file-robot",
			"api_key":     "file-key",
			"ttl_minutes": 30,
		},
		"control": map[string]any{"hz": 45, "sources": []string{"operator"}},
		"logger":  map[string]any{"level": "debug"},
	})

	t.Setenv("TACTILE_ROBOT_ID", "env-robot")
	t.Setenv("TACTILE_CONTROL_HZ", "30")
	t.Setenv("TACTILE_PROTOCOL", "nats")

	cfg, err := Load(Options{
		File:      path,
		Overrides: map[string]any{"control.hz": 90},
	})
	require.NoError(t, err)

	assert.Equal(t, "env-robot", cfg.Auth.RobotID, "env beats file")
	assert.Equal(t, "file-key", cfg.Auth.APIKey, "file beats default")
	assert.Equal(t, 30, cfg.Auth.TTLMinutes)
	assert.Equal(t, 90, cfg.Control.Hz, "override beats env")
	assert.Equal(t, "nats", cfg.Protocol.Name)
	assert.Equal(t, []string{"operator"}, cfg.Control.Sources)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_SectionedEnvForCredentials(t *testing.T) {
	t.Setenv("TACTILE_AUTH_API_KEY", "sectioned")
	t.Setenv("TACTILE_TTL_MINUTES", "15")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "sectioned", cfg.Auth.APIKey)
	assert.Equal(t, 15, cfg.Auth.TTLMinutes)
}

func TestLoad_CamerasGetDefaults(t *testing.T) {
	path := writeFile(t, map[string]any{
		"cameras": []map[string]any{
			{},
			{"node_id": "wrist_cam", "width": 1280, "height": 720, "fps": 60},
		},
	})
	cfg, err := Load(Options{File: path})
	require.NoError(t, err)
	require.Len(t, cfg.Cameras, 2)

	assert.Equal(t, CameraConfig{NodeID: "camera_publisher", Width: 640, Height: 480, FPS: 30, Bitrate: 3_000_000}, cfg.Cameras[0])
	assert.Equal(t, CameraConfig{NodeID: "wrist_cam", Width: 1280, Height: 720, FPS: 60, Bitrate: 3_000_000}, cfg.Cameras[1])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "absent.yaml")})
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate(t *testing.T) {
	cfg, err := Load(Options{Overrides: map[string]any{
		"auth.robot_id":    "r1",
		"auth.api_key":     "k",
		"control.hz":       0,
		"follower.enabled": true,
	}})
	require.NoError(t, err)
	cfg.Cameras = []CameraConfig{{NodeID: "cam"}, {NodeID: "cam"}}

	err = cfg.Validate()
	assert.ErrorContains(t, err, "control.hz must be positive")
	assert.ErrorContains(t, err, "follower.port is required")
	assert.ErrorContains(t, err, `duplicate node_id "cam"`)
	assert.NotContains(t, err.Error(), "robot_id")
}

func TestValidateServer(t *testing.T) {
	cfg, err := Load(Options{})
	require.NoError(t, err)
	err = cfg.ValidateServer()
	assert.ErrorContains(t, err, "server.jwt_secret is required")
	assert.ErrorContains(t, err, "server.api_keys")

	cfg.Server.JWTSecret = "s3cret"
	cfg.Server.APIKeys = map[string]string{"robot-1": "key"}
	assert.NoError(t, cfg.ValidateServer())
	assert.Equal(t, "0.0.0.0:8443", cfg.Server.Addr())
}

func TestYAML_RedactsSecretsAndReloads(t *testing.T) {
	cfg, err := Load(Options{Overrides: map[string]any{
		"auth.robot_id":     "r1",
		"auth.api_key":      "very-secret",
		"server.jwt_secret": "also-secret",
		"control.hz":        25,
	}})
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "very-secret")
	assert.NotContains(t, string(out), "also-secret")

	path := filepath.Join(t.TempDir(), "dump.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o600))
	reloaded, err := Load(Options{File: path})
	require.NoError(t, err)
	assert.Equal(t, 25, reloaded.Control.Hz)
	assert.Equal(t, "r1", reloaded.Auth.RobotID)
	assert.Equal(t, 10*time.Second, reloaded.Auth.Timeout)
}
