package visible_test

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/sealmark/sealmark/internal/codec"
	"github.com/sealmark/sealmark/internal/invisible"
	"github.com/sealmark/sealmark/internal/keyring"
	"github.com/sealmark/sealmark/internal/model"
	"github.com/sealmark/sealmark/internal/visible"
)

func flatGrayFrame(h, w int) *model.Frame {
	pix := make([]byte, h*w)
	for i := range pix {
		pix[i] = 100
	}
	return &model.Frame{
		Pixels:     pix,
		Width:      w,
		Height:     h,
		Format:     model.ColorGray8,
		CapturedAt: time.Unix(1770000000, 0).UTC(),
	}
}

type point struct{ x, y int }

func changedPixels(t *testing.T, before, after *model.Frame) []point {
	t.Helper()
	if before.Width != after.Width || before.Height != after.Height {
		t.Fatal("frame geometry changed")
	}
	bpp := before.Format.BytesPerPixel()
	var pts []point
	for y := 0; y < before.Height; y++ {
		for x := 0; x < before.Width; x++ {
			base := (y*before.Width + x) * bpp
			for c := 0; c < bpp; c++ {
				if before.Pixels[base+c] != after.Pixels[base+c] {
					pts = append(pts, point{x, y})
					break
				}
			}
		}
	}
	return pts
}

func TestApplyBottomRightStrip(t *testing.T) {
	frame := flatGrayFrame(64, 96)
	before := append([]byte(nil), frame.Pixels...)

	out, err := visible.Apply(frame, visible.Overlay{Text: "TENANT-7", Opacity: 0.8})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i, b := range before {
		if frame.Pixels[i] != b {
			t.Fatal("Apply modified the input frame")
		}
	}

	// Face7x13 advances 7px per glyph, plus 3px padding each side.
	stripW := 7*len("TENANT-7") + 6
	stripH := 13 + 6
	x0 := 96 - 8 - stripW
	y0 := 64 - 8 - stripH

	pts := changedPixels(t, frame, out)
	if len(pts) == 0 {
		t.Fatal("overlay changed nothing")
	}
	for _, p := range pts {
		if p.x < x0 || p.x >= x0+stripW || p.y < y0 || p.y >= y0+stripH {
			t.Fatalf("pixel (%d,%d) changed outside the %dx%d strip at (%d,%d)",
				p.x, p.y, stripW, stripH, x0, y0)
		}
		idx := p.y*96 + p.x
		if out.Pixels[idx] <= frame.Pixels[idx] {
			t.Fatalf("pixel (%d,%d) darkened: %d -> %d", p.x, p.y, frame.Pixels[idx], out.Pixels[idx])
		}
	}
}

func TestApplyCorners(t *testing.T) {
	cases := []struct {
		corner visible.Corner
		left   bool
		top    bool
	}{
		{visible.TopLeft, true, true},
		{visible.TopRight, false, true},
		{visible.BottomLeft, true, false},
		{visible.BottomRight, false, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.corner), func(t *testing.T) {
			frame := flatGrayFrame(80, 120)
			out, err := visible.Apply(frame, visible.Overlay{Text: "user", Corner: tc.corner, Opacity: 1})
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			for _, p := range changedPixels(t, frame, out) {
				if tc.left != (p.x < 60) {
					t.Fatalf("pixel (%d,%d) on the wrong side horizontally", p.x, p.y)
				}
				if tc.top != (p.y < 40) {
					t.Fatalf("pixel (%d,%d) on the wrong side vertically", p.x, p.y)
				}
			}
		})
	}
}

func TestApplyRGBAKeepsAlpha(t *testing.T) {
	h, w := 64, 96
	pix := make([]byte, h*w*4)
	for i := 0; i < h*w; i++ {
		pix[i*4+0] = 90
		pix[i*4+1] = 110
		pix[i*4+2] = 70
		pix[i*4+3] = 255
	}
	frame := &model.Frame{Pixels: pix, Width: w, Height: h, Format: model.ColorRGBA, CapturedAt: time.Now()}

	out, err := visible.Apply(frame, visible.Overlay{Text: "acme", Opacity: 0.9})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(changedPixels(t, frame, out)) == 0 {
		t.Fatal("overlay changed nothing")
	}
	for i := 0; i < h*w; i++ {
		if out.Pixels[i*4+3] != 255 {
			t.Fatalf("alpha byte of pixel %d changed to %d", i, out.Pixels[i*4+3])
		}
	}
}

func TestApplyOpacityScalesCoverage(t *testing.T) {
	frame := flatGrayFrame(64, 96)
	faint, err := visible.Apply(frame, visible.Overlay{Text: "user", Opacity: 0.3})
	if err != nil {
		t.Fatalf("Apply faint: %v", err)
	}
	strong, err := visible.Apply(frame, visible.Overlay{Text: "user", Opacity: 1})
	if err != nil {
		t.Fatalf("Apply strong: %v", err)
	}
	maxDelta := func(out *model.Frame) int {
		max := 0
		for i, v := range out.Pixels {
			if d := int(v) - int(frame.Pixels[i]); d > max {
				max = d
			}
		}
		return max
	}
	if f, s := maxDelta(faint), maxDelta(strong); f >= s {
		t.Fatalf("faint delta %d not below strong delta %d", f, s)
	}
}

func TestApplyScaleGrowsStrip(t *testing.T) {
	frame := flatGrayFrame(120, 200)
	extent := func(scale int) int {
		out, err := visible.Apply(frame, visible.Overlay{Text: "user", Opacity: 1, Scale: scale})
		if err != nil {
			t.Fatalf("Apply scale %d: %v", scale, err)
		}
		minX, maxX := frame.Width, 0
		for _, p := range changedPixels(t, frame, out) {
			if p.x < minX {
				minX = p.x
			}
			if p.x > maxX {
				maxX = p.x
			}
		}
		return maxX - minX
	}
	if e1, e2 := extent(1), extent(2); e2 < e1*3/2 {
		t.Fatalf("scale 2 extent %d not meaningfully larger than scale 1 extent %d", e2, e1)
	}
}

func TestApplyValidation(t *testing.T) {
	frame := flatGrayFrame(64, 96)
	bad := []visible.Overlay{
		{Text: "", Opacity: 1},
		{Text: "user", Opacity: 0},
		{Text: "user", Opacity: 1.2},
		{Text: "user", Opacity: 1, Scale: -1},
		{Text: "user", Opacity: 1, Corner: "center"},
		{Text: "a very long label that cannot possibly fit here", Opacity: 1},
	}
	for i, ov := range bad {
		if _, err := visible.Apply(frame, ov); err == nil {
			t.Fatalf("overlay %d accepted: %+v", i, ov)
		}
	}
	if _, err := visible.Apply(nil, visible.Overlay{Text: "user", Opacity: 1}); err == nil {
		t.Fatal("nil frame accepted")
	}
}

// A corner label must not break recovery of the covert payload
// underneath it.
func TestOverlayPreservesCovertWatermark(t *testing.T) {
	rng := rand.New(rand.NewSource(401))
	h, w := 480, 640
	pix := make([]byte, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 128 + 40*math.Sin(float64(x)/17) + 30*math.Cos(float64(y)/23) + float64(rng.Intn(11)-5)
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			pix[y*w+x] = byte(math.Round(v))
		}
	}
	frame := &model.Frame{Pixels: pix, Width: w, Height: h, Format: model.ColorGray8, CapturedAt: time.Now()}

	svc, err := invisible.NewService(invisible.Config{PSNRFloor: 40, ECCFactor: 1, NoiseFloor: 0.75})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	p := &model.WatermarkPayload{
		SessionID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		TenantID:  "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		UserID:    "886313e1-3b8a-5372-9b90-0c9aee199e5d",
		IssuedAt:  time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Nonce:     42,
	}
	master := make([]byte, keyring.MasterKeySize)
	for i := range master {
		master[i] = byte(i*7 + 3)
	}
	keys, err := keyring.Derive(master, p.TenantID, p.SessionID)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	cdc, err := codec.ForChoice(model.CodecDCT)
	if err != nil {
		t.Fatalf("ForChoice: %v", err)
	}

	marked, err := svc.Embed(frame, p, keys, cdc)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	labeled, err := visible.Apply(marked.Frame, visible.Overlay{Text: "tenant-7 / alice", Opacity: 0.9})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := svc.Extract(labeled, []*keyring.Keys{keys}, cdc)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got.Outcome != model.OutcomeRecovered {
		t.Fatalf("outcome = %q, want recovered", got.Outcome)
	}
	if got.Payload.Nonce != p.Nonce || got.Payload.SessionID != p.SessionID {
		t.Fatalf("payload = %+v, want the embedded one", got.Payload)
	}
}
