//go:build mage

package main

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

const shaderDir = "assets/shaders"

// shader file under shaderDir -> dxc target profile
var shaderProfiles = map[string]string{
	"cube_vs.hlsl":  "vs_6_0",
	"cube_ps.hlsl":  "ps_6_0",
	"raytrace.hlsl": "lib_6_3",
}

// Builds the prism binary into bin/.
func (Build) Engine() error {
	fmt.Println("Build engine...")
	if _, err := executeCmd("go", withArgs("build", "-o", filepath.Join("bin", "prism"), "."), withEnv("CGO_ENABLED=1"), withStream()); err != nil {
		return err
	}
	return nil
}

// Compiles the HLSL shaders to SPIR-V next to their sources with dxc.
func (Build) Shaders() error {
	return buildShaders()
}

// buildShaders runs dxc from shaderDir so #include paths resolve against the
// shader sources.
func buildShaders() error {
	for _, src := range slices.Sorted(maps.Keys(shaderProfiles)) {
		if _, err := executeCmd("dxc", withArgs(dxcArgs(src, shaderProfiles[src])...), withDir(shaderDir), withStream()); err != nil {
			return err
		}
	}
	return nil
}

func dxcArgs(src, profile string) []string {
	out := strings.TrimSuffix(src, filepath.Ext(src)) + ".spv"
	args := []string{"-spirv", "-T", profile}
	// libraries export their entry points by name
	if !strings.HasPrefix(profile, "lib_") {
		args = append(args, "-E", "main")
	}
	return append(args, "-I", ".", src, "-Fo", out)
}
