package engine

import (
	"github.com/spaghettifunk/prism/engine/core"
)

type ApplicationConfig struct {
	// Window starting position x axis, if applicable.
	StartPosX uint32
	// Window starting position y axis, if applicable.
	StartPosY uint32
	// Window starting width, if applicable.
	StartWidth uint32
	// Window starting height, if applicable.
	StartHeight uint32
	// The application name used in windowing, if applicable.
	Name     string
	LogLevel core.LogLevel
	VSync    bool

	// Headless runs without an OS window. Frames bounds the run, zero means
	// until quit.
	Headless bool
	Frames   uint64
	// Capture, when set, is where the last presented frame is written as BMP.
	Capture     string
	MetricsAddr string

	Renderer core.RendererConfig
	Assets   core.AssetsConfig
}

// NewApplicationConfig derives the application settings from a loaded config.
func NewApplicationConfig(cfg *core.Config) *ApplicationConfig {
	return &ApplicationConfig{
		StartPosX:   100,
		StartPosY:   100,
		StartWidth:  cfg.Window.Width,
		StartHeight: cfg.Window.Height,
		Name:        cfg.Window.Title,
		LogLevel:    cfg.Log.Level,
		VSync:       cfg.Window.VSync,
		Headless:    cfg.Window.Headless,
		Frames:      cfg.Window.Frames,
		MetricsAddr: cfg.Metrics.Addr,
		Renderer:    cfg.Renderer,
		Assets:      cfg.Assets,
	}
}
