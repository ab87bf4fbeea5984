package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Media     MediaConfig     `yaml:"media"`
}

// ServerConfig points the controller at the platform services.
type ServerConfig struct {
	// APIBaseURL is the room directory REST API (core service).
	APIBaseURL string `yaml:"api_base_url"`
	// PeerBaseURL is the websocket signaling base; concern paths and the
	// room id are appended to it.
	PeerBaseURL   string        `yaml:"peer_base_url"`
	StunServerURL string        `yaml:"stun_server_url"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// ReconnectConfig parameterizes the shared backoff policy. Every transport
// runs its own attempt counter against these values.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type MediaConfig struct {
	Width        int `yaml:"width"`
	Height       int `yaml:"height"`
	Framerate    int `yaml:"framerate"`
	VideoBitRate int `yaml:"video_bitrate"`
	AudioBitRate int `yaml:"audio_bitrate"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			APIBaseURL:    "http://localhost:8000/api",
			PeerBaseURL:   "ws://localhost:8001",
			StunServerURL: "stun:stun.l.google.com:19302",
			DialTimeout:   10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			MaxAttempts: 3,
		},
		Media: MediaConfig{
			Width:        640,
			Height:       480,
			Framerate:    30,
			VideoBitRate: 100_000,
			AudioBitRate: 32_000,
		},
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ROOMLINK_API_URL"); v != "" {
		c.Server.APIBaseURL = v
	}
	if v := os.Getenv("ROOMLINK_PEER_URL"); v != "" {
		c.Server.PeerBaseURL = v
	}
	if v := os.Getenv("ROOMLINK_STUN_URL"); v != "" {
		c.Server.StunServerURL = v
	}
}

func (c *Config) Validate() error {
	if c.Server.APIBaseURL == "" {
		return fmt.Errorf("server.api_base_url is required")
	}
	if c.Server.PeerBaseURL == "" {
		return fmt.Errorf("server.peer_base_url is required")
	}
	if !strings.HasPrefix(c.Server.PeerBaseURL, "ws://") && !strings.HasPrefix(c.Server.PeerBaseURL, "wss://") {
		return fmt.Errorf("server.peer_base_url must be a ws:// or wss:// URL")
	}
	if c.Server.DialTimeout <= 0 {
		return fmt.Errorf("server.dial_timeout must be positive")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be >= 1")
	}
	if c.Media.Width <= 0 || c.Media.Height <= 0 || c.Media.Framerate <= 0 {
		return fmt.Errorf("media dimensions and framerate must be positive")
	}
	return nil
}
