package dwt_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/sealmark/sealmark/internal/transform/dwt"
)

const epsilon = 1e-10

func makeRandom(h, w int, rng *rand.Rand) [][]float64 {
	src := make([][]float64, h)
	for y := 0; y < h; y++ {
		src[y] = make([]float64, w)
		for x := 0; x < w; x++ {
			src[y][x] = rng.Float64()*512.0 - 256.0
		}
	}
	return src
}

func maxAbsDiff(a, b [][]float64) float64 {
	max := 0.0
	for y := range a {
		for x := range a[y] {
			d := math.Abs(a[y][x] - b[y][x])
			if d > max {
				max = d
			}
		}
	}
	return max
}

func TestRoundTrip8x8(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	src := makeRandom(8, 8, rng)
	ll, lh, hl, hh := dwt.Forward2D(src)
	rec := dwt.Inverse2D(ll, lh, hl, hh)
	if d := maxAbsDiff(src, rec); d > epsilon {
		t.Errorf("8x8 round-trip max diff = %e, want < %e", d, epsilon)
	}
}

func TestRoundTripNonSquare(t *testing.T) {
	rng := rand.New(rand.NewSource(7777))
	src := makeRandom(128, 64, rng)
	ll, lh, hl, hh := dwt.Forward2D(src)
	if len(ll) != 64 || len(ll[0]) != 32 {
		t.Fatalf("unexpected LL size: %dx%d, want 64x32", len(ll), len(ll[0]))
	}
	rec := dwt.Inverse2D(ll, lh, hl, hh)
	if d := maxAbsDiff(src, rec); d > epsilon {
		t.Errorf("128x64 round-trip max diff = %e, want < %e", d, epsilon)
	}
}

func TestSubbandSizes(t *testing.T) {
	src := makeRandom(16, 32, rand.New(rand.NewSource(0)))
	ll, lh, hl, hh := dwt.Forward2D(src)
	for name, s := range map[string][][]float64{"LL": ll, "LH": lh, "HL": hl, "HH": hh} {
		if len(s) != 8 || len(s[0]) != 16 {
			t.Errorf("subband %s: got %dx%d, want 8x16", name, len(s), len(s[0]))
		}
	}
}

// TestKnownValues checks a constant plane: LL carries the original value
// and all detail subbands are zero.
func TestKnownValues(t *testing.T) {
	src := [][]float64{
		{4, 4, 4, 4},
		{4, 4, 4, 4},
		{4, 4, 4, 4},
		{4, 4, 4, 4},
	}
	ll, lh, hl, hh := dwt.Forward2D(src)

	for y := range ll {
		for x := range ll[y] {
			if math.Abs(ll[y][x]-4.0) > epsilon {
				t.Errorf("LL[%d][%d] = %v, want 4.0", y, x, ll[y][x])
			}
		}
	}
	for y := range lh {
		for x := range lh[y] {
			if math.Abs(lh[y][x]) > epsilon {
				t.Errorf("LH[%d][%d] = %v, want 0", y, x, lh[y][x])
			}
			if math.Abs(hl[y][x]) > epsilon {
				t.Errorf("HL[%d][%d] = %v, want 0", y, x, hl[y][x])
			}
			if math.Abs(hh[y][x]) > epsilon {
				t.Errorf("HH[%d][%d] = %v, want 0", y, x, hh[y][x])
			}
		}
	}
}

func TestDecomposeReconstruct(t *testing.T) {
	rng := rand.New(rand.NewSource(999))
	src := makeRandom(64, 64, rng)
	for levels := 1; levels <= 3; levels++ {
		p, err := dwt.Decompose(src, levels)
		if err != nil {
			t.Fatalf("levels=%d: %v", levels, err)
		}
		if len(p.Levels) != levels {
			t.Fatalf("levels=%d: got %d detail levels", levels, len(p.Levels))
		}
		wantSide := 64 >> levels
		if len(p.LL) != wantSide || len(p.LL[0]) != wantSide {
			t.Errorf("levels=%d: LL is %dx%d, want %dx%d",
				levels, len(p.LL), len(p.LL[0]), wantSide, wantSide)
		}
		rec := p.Reconstruct()
		if d := maxAbsDiff(src, rec); d > epsilon {
			t.Errorf("levels=%d round-trip max diff = %e, want < %e", levels, d, epsilon)
		}
	}
}

// TestPyramidMutationSurvivesRoundTrip modifies a deep detail coefficient
// and verifies a fresh decomposition of the reconstruction sees the change.
func TestPyramidMutationSurvivesRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	src := makeRandom(32, 32, rng)
	p, err := dwt.Decompose(src, 2)
	if err != nil {
		t.Fatal(err)
	}
	deep := p.Deepest()
	deep.HL[3][5] = 123.25
	rec := p.Reconstruct()

	p2, err := dwt.Decompose(rec, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := p2.Deepest().HL[3][5]; math.Abs(got-123.25) > epsilon {
		t.Errorf("deep HL[3][5] after round trip = %v, want 123.25", got)
	}
}

func TestDecomposeRejectsBadDimensions(t *testing.T) {
	src := makeRandom(8, 8, rand.New(rand.NewSource(1)))
	if _, err := dwt.Decompose(src, 0); err == nil {
		t.Error("levels=0 should fail")
	}
	// 8x8 halves to 4, then 2, then 1: level 4 needs an even 1x1.
	if _, err := dwt.Decompose(src, 4); err == nil {
		t.Error("levels=4 on 8x8 should fail")
	}
	odd := makeRandom(7, 8, rand.New(rand.NewSource(2)))
	if _, err := dwt.Decompose(odd, 1); err == nil {
		t.Error("odd height should fail")
	}
}
