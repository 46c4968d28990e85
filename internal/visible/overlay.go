// Package visible burns a readable attribution label into a frame
// corner. It is plain compositing: the covert channel never touches it
// and it never touches the covert channel.
package visible

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/sealmark/sealmark/internal/model"
	"github.com/sealmark/sealmark/internal/transform"
)

type Corner string

const (
	TopLeft     Corner = "top-left"
	TopRight    Corner = "top-right"
	BottomLeft  Corner = "bottom-left"
	BottomRight Corner = "bottom-right"
)

// Overlay describes the label. Zero Corner means bottom-right, zero
// Scale means 1.
type Overlay struct {
	Text    string
	Corner  Corner
	Opacity float64
	Scale   int
}

const (
	cornerMargin = 8
	textPad      = 3
)

// Apply composites the overlay into a copy of the frame and returns the
// copy. The input frame is never modified.
func Apply(frame *model.Frame, ov Overlay) (*model.Frame, error) {
	if err := transform.Validate(frame); err != nil {
		return nil, fmt.Errorf("visible: %w", err)
	}
	if ov.Text == "" {
		return nil, fmt.Errorf("visible: overlay text is empty")
	}
	if ov.Opacity <= 0 || ov.Opacity > 1 {
		return nil, fmt.Errorf("visible: opacity %v outside (0, 1]", ov.Opacity)
	}
	if ov.Scale == 0 {
		ov.Scale = 1
	}
	if ov.Scale < 1 {
		return nil, fmt.Errorf("visible: scale %d below 1", ov.Scale)
	}
	if ov.Corner == "" {
		ov.Corner = BottomRight
	}

	mask := renderText(ov.Text)
	if ov.Scale > 1 {
		mask = scaleAlpha(mask, ov.Scale)
	}
	b := mask.Bounds()
	if b.Dx()+2*cornerMargin > frame.Width || b.Dy()+2*cornerMargin > frame.Height {
		return nil, fmt.Errorf("visible: %dx%d overlay does not fit a %dx%d frame",
			b.Dx(), b.Dy(), frame.Width, frame.Height)
	}

	var x0, y0 int
	switch ov.Corner {
	case TopLeft:
		x0, y0 = cornerMargin, cornerMargin
	case TopRight:
		x0, y0 = frame.Width-cornerMargin-b.Dx(), cornerMargin
	case BottomLeft:
		x0, y0 = cornerMargin, frame.Height-cornerMargin-b.Dy()
	case BottomRight:
		x0, y0 = frame.Width-cornerMargin-b.Dx(), frame.Height-cornerMargin-b.Dy()
	default:
		return nil, fmt.Errorf("visible: unknown corner %q", ov.Corner)
	}

	out := &model.Frame{
		Pixels:     append([]byte(nil), frame.Pixels...),
		Width:      frame.Width,
		Height:     frame.Height,
		Format:     frame.Format,
		CapturedAt: frame.CapturedAt,
	}
	bpp := frame.Format.BytesPerPixel()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			a := float64(mask.AlphaAt(b.Min.X+x, b.Min.Y+y).A) / 255 * ov.Opacity
			if a == 0 {
				continue
			}
			base := ((y0+y)*frame.Width + x0 + x) * bpp
			switch frame.Format {
			case model.ColorGray8:
				out.Pixels[base] = blendWhite(out.Pixels[base], a)
			case model.ColorRGBA, model.ColorBGRA:
				// White text is symmetric in the channel order, and the
				// alpha byte stays whatever the frame carried.
				out.Pixels[base+0] = blendWhite(out.Pixels[base+0], a)
				out.Pixels[base+1] = blendWhite(out.Pixels[base+1], a)
				out.Pixels[base+2] = blendWhite(out.Pixels[base+2], a)
			}
		}
	}
	return out, nil
}

// blendWhite moves one channel toward full white by coverage a.
func blendWhite(bg byte, a float64) byte {
	return byte(float64(bg)*(1-a) + 255*a + 0.5)
}

func renderText(text string) *image.Alpha {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	mask := image.NewAlpha(image.Rect(0, 0, w+2*textPad, face.Height+2*textPad))
	d := &font.Drawer{
		Dst:  mask,
		Src:  image.NewUniform(color.Alpha{A: 255}),
		Face: face,
		Dot:  fixed.P(textPad, textPad+face.Ascent),
	}
	d.DrawString(text)
	return mask
}

// scaleAlpha magnifies the glyph mask by pixel replication. Crisp edges
// read better than interpolation at these sizes.
func scaleAlpha(src *image.Alpha, n int) *image.Alpha {
	b := src.Bounds()
	dst := image.NewAlpha(image.Rect(0, 0, b.Dx()*n, b.Dy()*n))
	for y := 0; y < b.Dy()*n; y++ {
		for x := 0; x < b.Dx()*n; x++ {
			dst.SetAlpha(x, y, src.AlphaAt(b.Min.X+x/n, b.Min.Y+y/n))
		}
	}
	return dst
}
