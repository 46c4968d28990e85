package codec

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/transform"
	"github.com/sealmark/sealmark/internal/transform/dct"
	"github.com/sealmark/sealmark/internal/transform/dwt"
)

// DWTConfig tunes the wavelet codec.
type DWTConfig struct {
	// Levels is the Haar decomposition depth. Embedding happens in the
	// detail subbands of the deepest level; deeper levels concentrate the
	// mark in coarser structure.
	Levels int
	// TileSize is the square tile edge, in coefficients, that carries one
	// bit through its leading singular value.
	TileSize int
	// QuantizationStrength is the quantization grid step for the leading
	// singular value. Larger survives more noise.
	QuantizationStrength float64
	// Redundancy is the minimum number of tiles carrying each bit.
	Redundancy int
}

// DefaultDWTConfig returns the parameters used for session embedding
// unless a deployment overrides them.
func DefaultDWTConfig() DWTConfig {
	return DWTConfig{
		Levels:               1,
		TileSize:             4,
		QuantizationStrength: 16,
		Redundancy:           4,
	}
}

// DWT hides bits in the leading singular value of DCT-transformed tiles
// cut from the deepest-level HL and LH subbands. The singular value is
// quantized to the lower or upper half of its QuantizationStrength-sized
// cell depending on the bit. The approximation band is never touched, so
// the plane's coarse appearance survives intact.
type DWT struct {
	cfg DWTConfig
}

// NewDWT validates cfg and returns the codec.
func NewDWT(cfg DWTConfig) (*DWT, error) {
	if cfg.Levels < 1 || cfg.Levels > 6 {
		return nil, fmt.Errorf("dwt codec: levels must be in [1, 6], got %d", cfg.Levels)
	}
	if cfg.TileSize < 2 {
		return nil, fmt.Errorf("dwt codec: tile size %d too small", cfg.TileSize)
	}
	if cfg.QuantizationStrength <= 0 {
		return nil, fmt.Errorf("dwt codec: quantization strength must be positive, got %v", cfg.QuantizationStrength)
	}
	if cfg.Redundancy < 1 {
		return nil, fmt.Errorf("dwt codec: redundancy must be >= 1, got %d", cfg.Redundancy)
	}
	return &DWT{cfg: cfg}, nil
}

func (c *DWT) Name() string { return "dwt" }

// Capacity counts whole tiles across the two deepest detail subbands and
// divides by the redundancy floor.
func (c *DWT) Capacity(width, height int) int {
	sh := height >> c.cfg.Levels
	sw := width >> c.cfg.Levels
	tiles := 2 * (sh / c.cfg.TileSize) * (sw / c.cfg.TileSize)
	return tiles / c.cfg.Redundancy
}

func (c *DWT) EmbedBits(plane [][]float64, bits []int) error {
	n := len(bits)
	if n == 0 {
		return nil
	}
	h := len(plane)
	w := len(plane[0])
	if capacity := c.Capacity(w, h); n > capacity {
		return fmt.Errorf("dwt codec: %d bits into %dx%d plane (capacity %d): %w",
			n, w, h, capacity, errs.ErrCapacityExceeded)
	}

	// Work on the largest top-left region divisible by 2^Levels; edge
	// rows and columns beyond it stay untouched.
	th := (h >> c.cfg.Levels) << c.cfg.Levels
	tw := (w >> c.cfg.Levels) << c.cfg.Levels
	view := make([][]float64, th)
	for y := 0; y < th; y++ {
		view[y] = plane[y][:tw]
	}
	pyr, err := dwt.Decompose(view, c.cfg.Levels)
	if err != nil {
		return fmt.Errorf("dwt codec: %w", err)
	}

	ts := c.cfg.TileSize
	num := 0
	deep := pyr.Deepest()
	for _, sb := range [][][]float64{deep.HL, deep.LH} {
		sh := len(sb)
		sw := len(sb[0])
		for ty := 0; ty < sh/ts; ty++ {
			for tx := 0; tx < sw/ts; tx++ {
				tile := transform.Block(sb, ty*ts, tx*ts, ts)
				c.embedTile(tile, bits[num%n])
				transform.PutBlock(sb, tile, ty*ts, tx*ts, ts)
				num++
			}
		}
	}

	rec := pyr.Reconstruct()
	for y := 0; y < th; y++ {
		copy(plane[y][:tw], rec[y])
	}
	return nil
}

func (c *DWT) ExtractBits(plane [][]float64, count int) ([]int, []float64, error) {
	if count <= 0 {
		return nil, nil, fmt.Errorf("dwt codec: bit count must be positive, got %d", count)
	}
	h := len(plane)
	w := len(plane[0])
	sh := h >> c.cfg.Levels
	sw := w >> c.cfg.Levels
	ts := c.cfg.TileSize
	tiles := 2 * (sh / ts) * (sw / ts)
	if tiles < count {
		return nil, nil, fmt.Errorf("dwt codec: %dx%d plane has %d tiles, cannot hold %d bits", w, h, tiles, count)
	}

	th := (h >> c.cfg.Levels) << c.cfg.Levels
	tw := (w >> c.cfg.Levels) << c.cfg.Levels
	view := make([][]float64, th)
	for y := 0; y < th; y++ {
		view[y] = plane[y][:tw]
	}
	pyr, err := dwt.Decompose(view, c.cfg.Levels)
	if err != nil {
		return nil, nil, fmt.Errorf("dwt codec: %w", err)
	}

	ones := make([]int, count)
	votes := make([]int, count)
	num := 0
	deep := pyr.Deepest()
	for _, sb := range [][][]float64{deep.HL, deep.LH} {
		bh := len(sb)
		bw := len(sb[0])
		for ty := 0; ty < bh/ts; ty++ {
			for tx := 0; tx < bw/ts; tx++ {
				tile := transform.Block(sb, ty*ts, tx*ts, ts)
				if c.readTile(tile) {
					ones[num%count]++
				}
				votes[num%count]++
				num++
			}
		}
	}

	bits := make([]int, count)
	agreement := make([]float64, count)
	for i := range bits {
		if ones[i]*2 > votes[i] {
			bits[i] = 1
		}
		win := ones[i]
		if votes[i]-ones[i] > win {
			win = votes[i] - ones[i]
		}
		agreement[i] = float64(win) / float64(votes[i])
	}
	return bits, agreement, nil
}

// embedTile quantizes the tile's leading singular value onto the lower
// (bit 0) or upper (bit 1) half of its quantization cell:
//
//	s[0] = (floor(s[0]/step) + 0.25 + 0.5*bit) * step
//
// The tile passes through a DCT first so the singular value tracks the
// tile's overall energy rather than one dominant coefficient.
func (c *DWT) embedTile(tile [][]float64, bit int) {
	ts := c.cfg.TileSize
	step := c.cfg.QuantizationStrength

	coeffs := dct.Forward2D(tile)
	data := make([]float64, ts*ts)
	for i, row := range coeffs {
		copy(data[i*ts:], row)
	}
	m := mat.NewDense(ts, ts, data)

	var svd mat.SVD
	svd.Factorize(m, mat.SVDThin)
	s := svd.Values(nil)
	s[0] = (math.Floor(s[0]/step) + 0.25 + 0.5*float64(bit)) * step
	// The quantized value must stay the leading singular value or the
	// rebuilt tile reorders and the reader sees the wrong one. Clamping
	// the trailing values costs far less energy than lifting s[0] a cell.
	for i := 1; i < len(s); i++ {
		if s[i] > s[0] {
			s[i] = s[0]
		}
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	diag := mat.NewDiagDense(ts, s)
	var tmp, rebuilt mat.Dense
	tmp.Mul(&u, diag)
	rebuilt.Mul(&tmp, v.T())

	modified := make([][]float64, ts)
	for i := range modified {
		modified[i] = make([]float64, ts)
		for j := 0; j < ts; j++ {
			modified[i][j] = rebuilt.At(i, j)
		}
	}
	for i, row := range dct.Inverse2D(modified) {
		copy(tile[i], row)
	}
}

// readTile reports whether the tile's leading singular value sits in the
// upper half of its quantization cell.
func (c *DWT) readTile(tile [][]float64) bool {
	ts := c.cfg.TileSize
	step := c.cfg.QuantizationStrength

	coeffs := dct.Forward2D(tile)
	data := make([]float64, ts*ts)
	for i, row := range coeffs {
		copy(data[i*ts:], row)
	}
	var svd mat.SVD
	svd.Factorize(mat.NewDense(ts, ts, data), mat.SVDThin)
	s := svd.Values(nil)

	mod := math.Mod(s[0], step)
	if mod < 0 {
		mod += step
	}
	return mod > step*0.5
}
