//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the cube sample in a window.
func (Run) Engine() error {
	return runGame("cube")
}

// Runs the ray tracing sample on the software adapter.
func (Run) Raytrace() error {
	return runGame("raytrace", "--warp")
}

// Renders a few frames of the cube sample headless and captures the last one.
func (Run) Capture() error {
	return runGame("cube", "--headless", "--frames", "10", "--capture", "capture.bmp")
}

func runGame(game string, args ...string) error {
	fmt.Printf("Run %s...\n", game)
	cmdArgs := append([]string{"run", ".", "--game", game}, args...)
	if _, err := executeCmd("go", withArgs(cmdArgs...), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the unit tests.
func Test() error {
	fmt.Println("Run tests...")
	if _, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream()); err != nil {
		return err
	}
	return nil
}
