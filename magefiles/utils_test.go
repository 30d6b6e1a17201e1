//go:build mage

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCmdWithDir(t *testing.T) {
	dir := t.TempDir()
	out, err := executeCmd("go", withArgs("env", "GOMOD"), withDir(dir), withEnv("GO111MODULE=on"))
	require.NoError(t, err)
	// no go.mod above a temp dir
	assert.Equal(t, os.DevNull, strings.TrimSpace(out))

	wd, err := os.Getwd()
	require.NoError(t, err)
	out, err = executeCmd("go", withArgs("env", "GOMOD"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(wd), "go.mod"), strings.TrimSpace(out))
}

func TestExecuteCmdReportsDir(t *testing.T) {
	_, err := executeCmd("go", withArgs("no-such-command"), withDir(os.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(in "+os.TempDir()+")")
}

func TestDxcArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-spirv", "-T", "vs_6_0", "-E", "main", "-I", ".", "cube_vs.hlsl", "-Fo", "cube_vs.spv"},
		dxcArgs("cube_vs.hlsl", "vs_6_0"))
	assert.Equal(t,
		[]string{"-spirv", "-T", "lib_6_3", "-I", ".", "raytrace.hlsl", "-Fo", "raytrace.spv"},
		dxcArgs("raytrace.hlsl", "lib_6_3"))
	for src := range shaderProfiles {
		assert.FileExists(t, filepath.Join("..", shaderDir, src))
	}
}
