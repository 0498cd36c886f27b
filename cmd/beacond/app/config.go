package app

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/navlink/geobeacon/internal/tracking"
)

const (
	defaultBaudRate    = 9600
	defaultFrequencyMs = 3000
)

// Config represents the main application configuration
type Config struct {
	Settings  Settings        `yaml:"settings"`
	Source    SourceConfig    `yaml:"source"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// SlogLevel parses the configured log level, defaulting to info.
func (s Settings) SlogLevel() (slog.Level, error) {
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	return level, nil
}

// SourceConfig selects and configures the position/heading source.
type SourceConfig struct {
	Mode               string  `yaml:"mode"`
	Enabled            bool    `yaml:"enabled"`
	SerialPort         string  `yaml:"serialPort"`
	BaudRate           uint    `yaml:"baudRate"`
	TrackLog           string  `yaml:"trackLog"`
	PlaybackMultiplier float64 `yaml:"playbackMultiplier"`
}

// BroadcastConfig configures the outbound location broadcast.
type BroadcastConfig struct {
	Enabled            bool            `yaml:"enabled"`
	MessageType        string          `yaml:"messageType"`
	Port               int             `yaml:"port"`
	FrequencyMs        int             `yaml:"frequencyMs"`
	UseCurrentLocation *bool           `yaml:"useCurrentLocation"`
	Location           *LocationConfig `yaml:"location"`
}

// LocationConfig is the fixed position broadcast when the publisher does
// not track the live/simulated source.
type LocationConfig struct {
	Longitude float64  `yaml:"longitude"`
	Latitude  float64  `yaml:"latitude"`
	Altitude  *float64 `yaml:"altitude"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	config := Config{
		Source: SourceConfig{
			Mode:               string(tracking.ModeLive),
			BaudRate:           defaultBaudRate,
			PlaybackMultiplier: 1,
		},
		Broadcast: BroadcastConfig{
			FrequencyMs: defaultFrequencyMs,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch tracking.Mode(c.Source.Mode) {
	case tracking.ModeLive, tracking.ModeSimulated:
	default:
		return fmt.Errorf("invalid source mode %q, expected %q or %q",
			c.Source.Mode, tracking.ModeLive, tracking.ModeSimulated)
	}

	if tracking.Mode(c.Source.Mode) == tracking.ModeSimulated && c.Source.TrackLog == "" {
		return fmt.Errorf("simulated mode requires a track log")
	}
	if c.Source.PlaybackMultiplier <= 0 {
		return fmt.Errorf("playback multiplier must be positive, got %v", c.Source.PlaybackMultiplier)
	}

	if c.Broadcast.Enabled {
		if c.Broadcast.MessageType == "" {
			return fmt.Errorf("broadcast requires a message type")
		}
		if c.Broadcast.Port <= 0 || c.Broadcast.Port > 65535 {
			return fmt.Errorf("invalid broadcast port %d", c.Broadcast.Port)
		}
	}
	if c.Broadcast.FrequencyMs <= 0 {
		return fmt.Errorf("broadcast frequency must be positive, got %d ms", c.Broadcast.FrequencyMs)
	}
	if c.Broadcast.UseCurrentLocation != nil && !*c.Broadcast.UseCurrentLocation && c.Broadcast.Location == nil {
		return fmt.Errorf("a fixed location is required when useCurrentLocation is false")
	}

	return nil
}
