package assets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
)

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestIndexAndLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "shaders", "cube.hlsl"), "float4 main() : SV_Target { return 1; }")
	writeFile(t, filepath.Join(root, "prism.toml"), "[window]\n")
	writeFile(t, filepath.Join(root, ".hidden"), "x")

	am, err := NewAssetManager(root, nil)
	require.NoError(t, err)
	require.NoError(t, am.Initialize(false))
	defer am.Shutdown()

	assert.Equal(t, []string{"prism.toml", "shaders/cube.hlsl"}, am.Names())

	a, err := am.Load("shaders/cube.hlsl")
	require.NoError(t, err)
	assert.Equal(t, AssetTypeShader, a.Type)
	assert.Contains(t, string(a.Data), "SV_Target")

	info, ok := am.Info("shaders/cube.hlsl")
	require.True(t, ok)
	assert.False(t, info.LastLoaded.IsZero())

	require.NoError(t, am.UnloadAsset(a))
	assert.Nil(t, a.Data)
}

func TestLoadMissingAsset(t *testing.T) {
	am, err := NewAssetManager(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, am.Initialize(false))

	_, err = am.Load("shaders/nope.hlsl")
	assert.True(t, errors.Is(err, ErrAssetNotFound))
}

func TestEmptyShaderIsRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "empty.vert"), "")

	am, err := NewAssetManager(root, nil)
	require.NoError(t, err)
	require.NoError(t, am.Initialize(false))

	_, err = am.Load("empty.vert")
	assert.Error(t, err)
}

func TestMissingRootIsNotAnError(t *testing.T) {
	am, err := NewAssetManager(filepath.Join(t.TempDir(), "missing"), nil)
	require.NoError(t, err)
	require.NoError(t, am.Initialize(true))
	assert.Empty(t, am.Names())
	am.Shutdown()
}

func TestWatchDispatchesChangesOnCaller(t *testing.T) {
	root := t.TempDir()
	shader := filepath.Join(root, "shaders", "cube.hlsl")
	writeFile(t, shader, "v1")

	bus := core.NewEventBus()
	var fired []string
	bus.Register(core.EVENT_CODE_ASSET_CHANGED, func(ctx core.EventContext) bool {
		fired = append(fired, ctx.Data.(*core.AssetEvent).Name)
		return true
	})

	am, err := NewAssetManager(root, bus)
	require.NoError(t, err)
	require.NoError(t, am.Initialize(true))
	defer am.Shutdown()

	reloads := 0
	am.OnChange("shaders/cube.hlsl", func(name string) {
		reloads++
	})
	assert.Equal(t, 0, am.DispatchChanges())

	writeFile(t, shader, "v2")
	require.Eventually(t, func() bool {
		am.DispatchChanges()
		return reloads > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NotEmpty(t, fired)
	assert.Equal(t, "shaders/cube.hlsl", fired[0])

	a, err := am.Load("shaders/cube.hlsl")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(a.Data))
}

func TestShutdownIsIdempotent(t *testing.T) {
	am, err := NewAssetManager(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, am.Initialize(true))
	am.Shutdown()
	am.Shutdown()
}
