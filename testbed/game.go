package testbed

import (
	"encoding/binary"
	"fmt"
	gomath "math"
	"sort"
	"sync"

	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/assets"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/systems"
)

var games = map[string]func() engine.Game{
	"clear":    func() engine.Game { return NewClearGame() },
	"cube":     func() engine.Game { return NewCubeGame() },
	"raytrace": func() engine.Game { return NewRaytraceGame() },
}

// New returns the sample registered under name.
func New(name string) (engine.Game, error) {
	newGame, ok := games[name]
	if !ok {
		return nil, fmt.Errorf("unknown game `%s`, available: %v", name, Names())
	}
	return newGame(), nil
}

func Names() []string {
	names := make([]string, 0, len(games))
	for n := range games {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// present submits cl, presents and waits until the next back buffer is free
// again.
func present(ctx *engine.Context, queue *renderer.CommandQueue, cl *renderer.CommandList) error {
	if _, err := queue.Submit(cl); err != nil {
		return err
	}
	if _, err := ctx.Swapchain.Present(); err != nil {
		return err
	}
	if ctx.Swapchain.WaitForBackBuffer() == renderer.WaitTimedOut {
		return fmt.Errorf("wait for back buffer %d: %w", ctx.Swapchain.CurrentBackBufferIndex(), core.ErrFenceTimeout)
	}
	return nil
}

// loadAll loads the named assets on the job system and waits for all of them.
func loadAll(am *assets.AssetManager, jobs *systems.JobSystem, names ...string) (map[string][]byte, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		out      = make(map[string][]byte, len(names))
		firstErr error
	)
	for _, name := range names {
		name := name
		wg.Add(1)
		err := jobs.Submit(systems.JobTask{
			Name: "load " + name,
			Run: func() error {
				a, err := am.Load(name)
				if err != nil {
					return err
				}
				mu.Lock()
				out[name] = a.Data
				mu.Unlock()
				return nil
			},
			OnFailure: func(err error) {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			},
			OnCompletionCallback: wg.Done,
		})
		if err != nil {
			wg.Done()
			return nil, err
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func floatBytes(values ...float32) []byte {
	buf := make([]byte, 0, len(values)*4)
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, gomath.Float32bits(v))
	}
	return buf
}

func vertexBytes(vertices []math.VertexPosColor) []byte {
	buf := make([]byte, 0, len(vertices)*24)
	for _, v := range vertices {
		buf = append(buf, floatBytes(v.Position.X, v.Position.Y, v.Position.Z, v.Color.X, v.Color.Y, v.Color.Z)...)
	}
	return buf
}

func indexBytes(indices []uint16) []byte {
	buf := make([]byte, 0, len(indices)*2)
	for _, i := range indices {
		buf = binary.LittleEndian.AppendUint16(buf, i)
	}
	return buf
}

func matrixWords(m math.Mat4) []uint32 {
	words := make([]uint32, len(m.Data))
	for i, v := range m.Data {
		words[i] = gomath.Float32bits(v)
	}
	return words
}
