package renderer

import (
	"fmt"
	"image"
	"os"

	"golang.org/x/image/bmp"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// texture rows in a buffer must start on 256 byte boundaries
const textureDataPitchAlignment = 256

// CaptureImage copies the first subresource of an 8 bit RGBA or BGRA texture
// back to the CPU. It submits on queue and waits for the copy.
func CaptureImage(queue *CommandQueue, tex *Texture) (*image.NRGBA, error) {
	desc := tex.Desc()
	if desc.Format != driver.FormatR8G8B8A8Unorm && desc.Format != driver.FormatB8G8R8A8Unorm {
		return nil, fmt.Errorf("capture of format %d: %w", desc.Format, core.ErrFeatureNotSupported)
	}
	width, height := tex.Width(), tex.Height()
	rowPitch := math.AlignUp(width*4, textureDataPitchAlignment)

	readback, err := queue.device.CreateBuffer(driver.HeapReadback, uint64(rowPitch)*uint64(height), driver.ResourceFlagNone, driver.StateCopyDest, "Capture Readback")
	if err != nil {
		return nil, err
	}
	defer readback.Release()

	cl, err := queue.AcquireCommandList()
	if err != nil {
		return nil, err
	}
	cl.CopyTextureToBuffer(readback, driver.PlacedFootprint{
		Format:   desc.Format,
		Width:    width,
		Height:   height,
		RowPitch: rowPitch,
	}, tex)
	v, err := queue.Submit(cl)
	if err != nil {
		return nil, err
	}
	if queue.WaitForFenceValue(v) == WaitTimedOut {
		return nil, fmt.Errorf("capture `%s`: %w", tex.Name(), core.ErrFenceTimeout)
	}

	data, err := readback.Native().Map()
	if err != nil {
		return nil, fmt.Errorf("map readback buffer: %w", err)
	}
	defer readback.Native().Unmap()

	img := image.NewNRGBA(image.Rect(0, 0, int(width), int(height)))
	for y := 0; y < int(height); y++ {
		src := data[y*int(rowPitch) : y*int(rowPitch)+int(width)*4]
		dst := img.Pix[y*img.Stride : y*img.Stride+int(width)*4]
		copy(dst, src)
		if desc.Format == driver.FormatB8G8R8A8Unorm {
			for x := 0; x < len(dst); x += 4 {
				dst[x], dst[x+2] = dst[x+2], dst[x]
			}
		}
	}
	return img, nil
}

// CaptureTexture writes the texture to path as a BMP file.
func CaptureTexture(queue *CommandQueue, tex *Texture, path string) error {
	img, err := CaptureImage(queue, tex)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create capture file: %w", err)
	}
	if err := bmp.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode capture: %w", err)
	}
	core.LogInfo("captured `%s` (%dx%d) to %s", tex.Name(), img.Bounds().Dx(), img.Bounds().Dy(), path)
	return f.Close()
}
