// Package config loads go-tryon host configuration from YAML and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. TRYON_SERVER_PORT.
const EnvPrefix = "TRYON"

// Config is the top-level host configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Camera CameraConfig `mapstructure:"camera"`
	Pose   PoseConfig   `mapstructure:"pose"`
	Export ExportConfig `mapstructure:"export"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig configures the preview/API server.
type ServerConfig struct {
	Port           string `mapstructure:"port"`
	PreviewFPS     int    `mapstructure:"preview_fps"`
	PreviewQuality int    `mapstructure:"preview_quality"`
}

// CameraConfig selects and configures the capture backend.
type CameraConfig struct {
	// Backend is "gocv" (local device) or "webrtc" (remote GStreamer producer).
	Backend       string `mapstructure:"backend"`
	Device        int    `mapstructure:"device"`
	Preset        string `mapstructure:"preset"`
	Width         int    `mapstructure:"width"`
	Height        int    `mapstructure:"height"`
	Framerate     int    `mapstructure:"framerate"`
	SignallingURL string `mapstructure:"signalling_url"`
	Producer      string `mapstructure:"producer"`
}

// PoseConfig configures the pose estimator backend.
type PoseConfig struct {
	// Backend is "gocv", "onnx" or "none".
	Backend    string        `mapstructure:"backend"`
	ModelPath  string        `mapstructure:"model_path"`
	ORTLibrary string        `mapstructure:"ort_library"`
	InputSize  int           `mapstructure:"input_size"`
	MinScore   float64       `mapstructure:"min_score"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// ExportConfig configures still capture.
type ExportConfig struct {
	Prefix string `mapstructure:"prefix"`
	Origin string `mapstructure:"origin"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path (YAML). An empty path uses defaults
// and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.preview_fps", 15)
	v.SetDefault("server.preview_quality", 80)

	v.SetDefault("camera.backend", "gocv")
	v.SetDefault("camera.device", 0)
	v.SetDefault("camera.preset", "")
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.framerate", 30)
	v.SetDefault("camera.signalling_url", "ws://localhost:8443")
	v.SetDefault("camera.producer", "")

	v.SetDefault("pose.backend", "gocv")
	v.SetDefault("pose.model_path", "models/movenet_singlepose_lightning.onnx")
	v.SetDefault("pose.ort_library", "")
	v.SetDefault("pose.input_size", 192)
	v.SetDefault("pose.min_score", 0.3)
	v.SetDefault("pose.stale_after", 500*time.Millisecond)

	v.SetDefault("export.prefix", "tryon")
	v.SetDefault("export.origin", "http://localhost:8080")

	v.SetDefault("log.level", "info")
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Camera.Backend {
	case "gocv", "webrtc":
	default:
		return fmt.Errorf("config: camera.backend must be gocv or webrtc, got %q", c.Camera.Backend)
	}
	switch c.Pose.Backend {
	case "gocv", "onnx", "none":
	default:
		return fmt.Errorf("config: pose.backend must be gocv, onnx or none, got %q", c.Pose.Backend)
	}
	if c.Pose.StaleAfter <= 0 {
		return fmt.Errorf("config: pose.stale_after must be positive")
	}
	if c.Export.Prefix == "" {
		return fmt.Errorf("config: export.prefix is required")
	}
	return nil
}
