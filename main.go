/*
Prism runs one of the testbed samples on top of the engine package.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/core"
	_ "github.com/spaghettifunk/prism/engine/renderer/soft"
	_ "github.com/spaghettifunk/prism/engine/renderer/vulkan"
	"github.com/spaghettifunk/prism/testbed"
)

func main() {
	var (
		warp        = flag.Bool("warp", false, "use the software adapter")
		width       uint
		height      uint
		configPath  = flag.String("config", "prism.toml", "config file, optional")
		game        = flag.String("game", "cube", "sample to run: "+strings.Join(testbed.Names(), ", "))
		headless    = flag.Bool("headless", false, "run without a window")
		frames      = flag.Uint64("frames", 0, "stop after this many frames, 0 runs until quit")
		capture     = flag.String("capture", "", "write the last presented frame to this BMP file")
		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address")
		logLevel    = flag.String("log-level", "", "debug, info, warn or error")
	)
	flag.UintVar(&width, "w", 0, "client width")
	flag.UintVar(&width, "width", 0, "client width")
	flag.UintVar(&height, "h", 0, "client height")
	flag.UintVar(&height, "height", 0, "client height")
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(engine.ExitInitFailure)
	}

	// flags that were given win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "warp":
			cfg.Renderer.Warp = *warp
		case "w", "width":
			cfg.Window.Width = uint32(width)
		case "h", "height":
			cfg.Window.Height = uint32(height)
		case "headless":
			cfg.Window.Headless = *headless
		case "frames":
			cfg.Window.Frames = *frames
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		case "log-level":
			cfg.Log.Level = core.LogLevel(*logLevel)
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(engine.ExitInitFailure)
	}

	g, err := testbed.New(*game)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(engine.ExitInitFailure)
	}

	app := engine.NewApplicationConfig(cfg)
	app.Capture = *capture
	e := engine.New(app)

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// start shutdown goroutine
	go func() {
		// capture sigterm and other system call here
		<-sigCh
		_ = e.Shutdown()
	}()

	os.Exit(e.Run(g))
}
