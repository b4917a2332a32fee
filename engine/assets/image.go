// Package assets decodes texture images on the job system.
package assets

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/systems"
)

// Image is a decoded image with 8 bit RGBA pixels, rows top to bottom
// unless flipped.
type Image struct {
	Path   string
	Format string
	Width  uint32
	Height uint32
	Pixels []uint8
}

type DecodeOptions struct {
	// FlipY stores rows bottom to top.
	FlipY bool
	// MaxDimension downscales images whose larger side exceeds it. Zero
	// keeps the original size.
	MaxDimension int
}

// DecodeImage reads and decodes one image file.
func DecodeImage(path string, opts DecodeOptions) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}

	bounds := src.Bounds()
	w, h := scaledSize(bounds.Dx(), bounds.Dy(), opts.MaxDimension)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == bounds.Dx() && h == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	}
	if opts.FlipY {
		flipRows(dst)
	}

	return &Image{
		Path:   path,
		Format: format,
		Width:  uint32(w),
		Height: uint32(h),
		Pixels: dst.Pix,
	}, nil
}

func scaledSize(w, h, limit int) (int, int) {
	if limit <= 0 || (w <= limit && h <= limit) {
		return w, h
	}
	if w >= h {
		return limit, max(1, h*limit/w)
	}
	return max(1, w*limit/h), limit
}

func flipRows(img *image.RGBA) {
	stride := img.Stride
	row := make([]uint8, stride)
	for top, bottom := 0, img.Rect.Dy()-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := img.Pix[top*stride : top*stride+stride]
		b := img.Pix[bottom*stride : bottom*stride+stride]
		copy(row, a)
		copy(a, b)
		copy(b, row)
	}
}

/**
 * @brief Decodes every path as one job batch. Results keep the order of
 * paths; a failed image leaves a nil entry and its error is joined into the
 * returned error.
 */
func DecodeImages(js *systems.JobSystem, paths []string, opts DecodeOptions) ([]*Image, error) {
	out := make([]*Image, len(paths))
	batch := js.NewBatch()
	for i, path := range paths {
		err := batch.Go("decode "+path, func() error {
			img, err := DecodeImage(path, opts)
			if err != nil {
				return err
			}
			out[i] = img
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if err := batch.Wait(); err != nil {
		return out, err
	}
	core.LogDebug("decoded %d images", len(paths))
	return out, nil
}

// Checkerboard returns a size x size two colour image, the usual stand-in
// for a missing texture.
func Checkerboard(size, cell int, a, b color.RGBA) *Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := a
			if (x/cell+y/cell)%2 == 1 {
				c = b
			}
			img.SetRGBA(x, y, c)
		}
	}
	return &Image{Format: "generated", Width: uint32(size), Height: uint32(size), Pixels: img.Pix}
}
