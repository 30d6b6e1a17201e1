package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type WindowConfig struct {
	Title    string `toml:"title"`
	Width    uint32 `toml:"width"`
	Height   uint32 `toml:"height"`
	VSync    bool   `toml:"vsync"`
	Headless bool   `toml:"headless"`
	// Frames limits how many frames a headless surface runs before quitting.
	// Zero means unlimited.
	Frames uint64 `toml:"frames"`
}

type RendererConfig struct {
	Warp               bool   `toml:"warp"`
	Debug              bool   `toml:"debug"`
	FramesInFlight     uint32 `toml:"frames_in_flight"`
	DescriptorPageSize uint32 `toml:"descriptor_page_size"`
	UploadPageSize     uint64 `toml:"upload_page_size"`
	FenceTimeoutMS     int64  `toml:"fence_timeout_ms"`
}

type LogConfig struct {
	Level LogLevel `toml:"level"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

type AssetsConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

type Config struct {
	Window   WindowConfig   `toml:"window"`
	Renderer RendererConfig `toml:"renderer"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Assets   AssetsConfig   `toml:"assets"`
}

func DefaultConfig() *Config {
	return &Config{
		Window: WindowConfig{
			Title:  "Prism",
			Width:  1280,
			Height: 720,
			VSync:  true,
		},
		Renderer: RendererConfig{
			FramesInFlight:     3,
			DescriptorPageSize: 256,
			UploadPageSize:     2 * 1024 * 1024,
			// Effectively forever, but still bounded.
			FenceTimeoutMS: int64((100 * time.Second) / time.Millisecond),
		},
		Log: LogConfig{
			Level: LogLevelInfo,
		},
		Assets: AssetsConfig{
			Dir:   "assets",
			Watch: true,
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults. A missing file is not
// an error: the defaults are returned.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			LogDebug("config file `%s` not found, using defaults", path)
			return cfg, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config `%s`: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Renderer.FramesInFlight == 0 {
		return fmt.Errorf("renderer.frames_in_flight must be at least 1: %w", ErrInvalidArgument)
	}
	if c.Renderer.DescriptorPageSize == 0 {
		return fmt.Errorf("renderer.descriptor_page_size must be at least 1: %w", ErrInvalidArgument)
	}
	if c.Renderer.FenceTimeoutMS <= 0 {
		return fmt.Errorf("renderer.fence_timeout_ms must be positive: %w", ErrInvalidArgument)
	}
	return nil
}

func (c *RendererConfig) FenceTimeout() time.Duration {
	return time.Duration(c.FenceTimeoutMS) * time.Millisecond
}
