// Package transform provides the pixel-domain plumbing shared by the
// watermark codecs: frame/luma conversion, block access, and quality
// measurement.
package transform

import (
	"fmt"
	"math"

	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/model"
)

// Validate checks that a frame's buffer matches its declared geometry.
func Validate(f *model.Frame) error {
	if f == nil {
		return fmt.Errorf("nil frame: %w", errs.ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame dimensions %dx%d: %w", f.Width, f.Height, errs.ErrInvalidFrame)
	}
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("unknown color format %q: %w", f.Format, errs.ErrInvalidFrame)
	}
	if want := f.Width * f.Height * bpp; len(f.Pixels) != want {
		return fmt.Errorf("pixel buffer is %d bytes, want %d for %dx%d %s: %w",
			len(f.Pixels), want, f.Width, f.Height, f.Format, errs.ErrInvalidFrame)
	}
	return nil
}

// Luma converts a frame to a float64 luma plane using the BT.601 weights:
//
//	Y = 0.299*R + 0.587*G + 0.114*B
//
// Gray8 frames pass through unchanged.
func Luma(f *model.Frame) ([][]float64, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}
	plane := make([][]float64, f.Height)
	bpp := f.Format.BytesPerPixel()

	// Channel offsets within a pixel for the red/green/blue samples.
	var rOff, gOff, bOff int
	switch f.Format {
	case model.ColorRGBA:
		rOff, gOff, bOff = 0, 1, 2
	case model.ColorBGRA:
		rOff, gOff, bOff = 2, 1, 0
	}

	for y := 0; y < f.Height; y++ {
		row := make([]float64, f.Width)
		base := y * f.Width * bpp
		if f.Format == model.ColorGray8 {
			for x := 0; x < f.Width; x++ {
				row[x] = float64(f.Pixels[base+x])
			}
		} else {
			for x := 0; x < f.Width; x++ {
				off := base + x*bpp
				r := float64(f.Pixels[off+rOff])
				g := float64(f.Pixels[off+gOff])
				b := float64(f.Pixels[off+bOff])
				row[x] = 0.299*r + 0.587*g + 0.114*b
			}
		}
		plane[y] = row
	}
	return plane, nil
}

// ApplyLuma returns a copy of f where each pixel's color channels carry the
// per-pixel luma delta between modified and orig. Shifting all channels by
// the same amount moves luma while leaving chroma differences intact, so
// the color cast of the frame is preserved.
func ApplyLuma(f *model.Frame, orig, modified [][]float64) (*model.Frame, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}
	if len(orig) != f.Height || len(modified) != f.Height {
		return nil, fmt.Errorf("luma plane height mismatch: %w", errs.ErrInvalidFrame)
	}
	out := &model.Frame{
		Pixels:     make([]byte, len(f.Pixels)),
		Width:      f.Width,
		Height:     f.Height,
		Format:     f.Format,
		CapturedAt: f.CapturedAt,
	}
	copy(out.Pixels, f.Pixels)

	bpp := f.Format.BytesPerPixel()
	for y := 0; y < f.Height; y++ {
		base := y * f.Width * bpp
		for x := 0; x < f.Width; x++ {
			delta := modified[y][x] - orig[y][x]
			if delta == 0 {
				continue
			}
			off := base + x*bpp
			if f.Format == model.ColorGray8 {
				out.Pixels[off] = clampU8(float64(f.Pixels[off]) + delta)
				continue
			}
			// Alpha untouched.
			for c := 0; c < 3; c++ {
				out.Pixels[off+c] = clampU8(float64(f.Pixels[off+c]) + delta)
			}
		}
	}
	return out, nil
}

// PSNR returns the peak signal-to-noise ratio in dB between two planes of
// equal dimensions, with a 255 peak. Identical planes yield +Inf.
func PSNR(a, b [][]float64) float64 {
	var sum float64
	var n int
	for y := range a {
		for x := range a[y] {
			d := a[y][x] - b[y][x]
			sum += d * d
			n++
		}
	}
	if n == 0 || sum == 0 {
		return math.Inf(1)
	}
	mse := sum / float64(n)
	return 10.0 * math.Log10(255.0*255.0/mse)
}

// Block copies a size x size region out of a plane.
func Block(plane [][]float64, row, col, size int) [][]float64 {
	block := make([][]float64, size)
	for i := 0; i < size; i++ {
		block[i] = make([]float64, size)
		copy(block[i], plane[row+i][col:col+size])
	}
	return block
}

// PutBlock writes a size x size block back into a plane.
func PutBlock(plane [][]float64, block [][]float64, row, col, size int) {
	for i := 0; i < size; i++ {
		copy(plane[row+i][col:col+size], block[i])
	}
}

// Shift returns a view of plane with its origin moved down by dy rows and
// right by dx columns. The view shares backing storage with plane and must
// be treated as read-only.
func Shift(plane [][]float64, dy, dx int) [][]float64 {
	if dy == 0 && dx == 0 {
		return plane
	}
	if dy >= len(plane) {
		return nil
	}
	rows := plane[dy:]
	out := make([][]float64, len(rows))
	for i, r := range rows {
		if dx >= len(r) {
			return nil
		}
		out[i] = r[dx:]
	}
	return out
}

// Clone deep-copies a plane.
func Clone(plane [][]float64) [][]float64 {
	out := make([][]float64, len(plane))
	for i, row := range plane {
		out[i] = make([]float64, len(row))
		copy(out[i], row)
	}
	return out
}

// clampU8 clamps a float64 to [0, 255] and converts to uint8.
func clampU8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}
