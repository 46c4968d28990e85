// Package dwt implements the 2D Haar Discrete Wavelet Transform, single
// level and multi-level.
//
// The forward 1D step maps pairs to an average and a difference:
//
//	avg[i]  = (src[2i] + src[2i+1]) / 2
//	diff[i] = (src[2i] - src[2i+1]) / 2
//
// One 2D level splits a plane into four subbands LL, LH, HL, HH, each half
// the size in both dimensions. Multi-level decomposition recurses on LL.
package dwt

import "fmt"

// Level holds the detail subbands produced by one decomposition level.
type Level struct {
	LH [][]float64 // horizontal detail
	HL [][]float64 // vertical detail
	HH [][]float64 // diagonal detail
}

// Pyramid is a multi-level decomposition. LL is the approximation band of
// the deepest level; Levels[0] holds the finest details, Levels[len-1] the
// coarsest. Subband contents may be modified in place before Reconstruct.
type Pyramid struct {
	LL     [][]float64
	Levels []Level
}

// forward1D transforms one row of even length. The first half of dst
// receives averages, the second half differences.
func forward1D(dst, src []float64) {
	half := len(src) / 2
	for i := 0; i < half; i++ {
		dst[i] = (src[2*i] + src[2*i+1]) / 2.0
		dst[half+i] = (src[2*i] - src[2*i+1]) / 2.0
	}
}

// inverse1D reconstructs a row from [avg..., diff...] layout.
func inverse1D(dst, src []float64) {
	half := len(src) / 2
	for i := 0; i < half; i++ {
		avg := src[i]
		diff := src[half+i]
		dst[2*i] = avg + diff
		dst[2*i+1] = avg - diff
	}
}

// Forward2D applies a single-level 2D Haar DWT. src must be rectangular
// with even dimensions. Returns four subbands, each [h/2][w/2], laid out
// in the transform domain as:
//
//	[ LL | LH ]
//	[ HL | HH ]
func Forward2D(src [][]float64) (ll, lh, hl, hh [][]float64) {
	h := len(src)
	w := len(src[0])
	halfH := h / 2
	halfW := w / 2

	// Rows first, then columns of the intermediate result.
	full := makeGrid(h, w)
	for y := 0; y < h; y++ {
		forward1D(full[y], src[y])
	}
	col := make([]float64, h)
	trans := make([]float64, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = full[y][x]
		}
		forward1D(trans, col)
		for y := 0; y < h; y++ {
			full[y][x] = trans[y]
		}
	}

	ll = makeGrid(halfH, halfW)
	lh = makeGrid(halfH, halfW)
	hl = makeGrid(halfH, halfW)
	hh = makeGrid(halfH, halfW)
	for y := 0; y < halfH; y++ {
		for x := 0; x < halfW; x++ {
			ll[y][x] = full[y][x]
			lh[y][x] = full[y][halfW+x]
			hl[y][x] = full[halfH+y][x]
			hh[y][x] = full[halfH+y][halfW+x]
		}
	}
	return ll, lh, hl, hh
}

// Inverse2D reconstructs a plane from the four subbands produced by
// Forward2D. All subbands must be [h/2][w/2]; the result is [h][w].
func Inverse2D(ll, lh, hl, hh [][]float64) [][]float64 {
	halfH := len(ll)
	halfW := len(ll[0])
	h := halfH * 2
	w := halfW * 2

	full := makeGrid(h, w)
	for y := 0; y < halfH; y++ {
		for x := 0; x < halfW; x++ {
			full[y][x] = ll[y][x]
			full[y][halfW+x] = lh[y][x]
			full[halfH+y][x] = hl[y][x]
			full[halfH+y][halfW+x] = hh[y][x]
		}
	}

	// Columns first, mirroring the forward order.
	col := make([]float64, h)
	inv := make([]float64, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = full[y][x]
		}
		inverse1D(inv, col)
		for y := 0; y < h; y++ {
			full[y][x] = inv[y]
		}
	}
	out := makeGrid(h, w)
	for y := 0; y < h; y++ {
		inverse1D(out[y], full[y])
	}
	return out
}

// Decompose applies levels successive Haar decompositions, each recursing
// on the LL band of the previous. Every intermediate plane must have even
// dimensions, so src dimensions must be divisible by 2^levels.
func Decompose(src [][]float64, levels int) (*Pyramid, error) {
	if levels < 1 {
		return nil, fmt.Errorf("dwt: levels must be >= 1, got %d", levels)
	}
	p := &Pyramid{Levels: make([]Level, 0, levels)}
	cur := src
	for lvl := 1; lvl <= levels; lvl++ {
		h := len(cur)
		w := 0
		if h > 0 {
			w = len(cur[0])
		}
		if h < 2 || w < 2 || h%2 != 0 || w%2 != 0 {
			return nil, fmt.Errorf("dwt: level %d needs even dimensions >= 2, got %dx%d", lvl, h, w)
		}
		ll, lh, hl, hh := Forward2D(cur)
		p.Levels = append(p.Levels, Level{LH: lh, HL: hl, HH: hh})
		cur = ll
	}
	p.LL = cur
	return p, nil
}

// Reconstruct inverts Decompose, folding the pyramid back into a plane of
// the original dimensions.
func (p *Pyramid) Reconstruct() [][]float64 {
	cur := p.LL
	for i := len(p.Levels) - 1; i >= 0; i-- {
		lvl := p.Levels[i]
		cur = Inverse2D(cur, lvl.LH, lvl.HL, lvl.HH)
	}
	return cur
}

// Deepest returns the detail subbands of the coarsest level. The returned
// Level shares storage with the pyramid.
func (p *Pyramid) Deepest() *Level {
	return &p.Levels[len(p.Levels)-1]
}

// makeGrid allocates a rows x cols float64 grid.
func makeGrid(rows, cols int) [][]float64 {
	g := make([][]float64, rows)
	for i := range g {
		g[i] = make([]float64, cols)
	}
	return g
}
