package codec

import (
	"fmt"

	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/transform"
	"github.com/sealmark/sealmark/internal/transform/dct"
)

// DCTConfig tunes the block-DCT codec.
type DCTConfig struct {
	// BlockSize is the square transform block edge in pixels.
	BlockSize int
	// QuantizationStrength is the minimum separation enforced between the
	// two carrier coefficients. Larger survives more noise at the cost of
	// visible energy.
	QuantizationStrength float64
	// CoeffA and CoeffB are the (row, col) positions of the carrier pair
	// inside each block. Mid-frequency positions trade robustness against
	// visibility; the DC and high-frequency corners are poor carriers.
	CoeffA [2]int
	CoeffB [2]int
	// Redundancy is the minimum number of blocks carrying each bit.
	Redundancy int
}

// DefaultDCTConfig returns the parameters used for session embedding
// unless a deployment overrides them.
func DefaultDCTConfig() DCTConfig {
	return DCTConfig{
		BlockSize:            8,
		QuantizationStrength: 12,
		CoeffA:               [2]int{3, 1},
		CoeffB:               [2]int{1, 3},
		Redundancy:           4,
	}
}

// DCT hides bits in the relative magnitude of a mid-frequency coefficient
// pair of each BlockSize x BlockSize block: coefficient A above B encodes
// a 1, below encodes a 0. Blocks whose pair already satisfies the margin
// are left untouched.
type DCT struct {
	cfg DCTConfig
}

// NewDCT validates cfg and returns the codec.
func NewDCT(cfg DCTConfig) (*DCT, error) {
	if cfg.BlockSize < 4 {
		return nil, fmt.Errorf("dct codec: block size %d too small", cfg.BlockSize)
	}
	if cfg.QuantizationStrength <= 0 {
		return nil, fmt.Errorf("dct codec: quantization strength must be positive, got %v", cfg.QuantizationStrength)
	}
	if cfg.Redundancy < 1 {
		return nil, fmt.Errorf("dct codec: redundancy must be >= 1, got %d", cfg.Redundancy)
	}
	for _, c := range [][2]int{cfg.CoeffA, cfg.CoeffB} {
		if c[0] < 0 || c[0] >= cfg.BlockSize || c[1] < 0 || c[1] >= cfg.BlockSize {
			return nil, fmt.Errorf("dct codec: coefficient %v outside %dx%d block", c, cfg.BlockSize, cfg.BlockSize)
		}
	}
	if cfg.CoeffA == cfg.CoeffB {
		return nil, fmt.Errorf("dct codec: carrier coefficients must differ")
	}
	return &DCT{cfg: cfg}, nil
}

func (c *DCT) Name() string { return "dct" }

// Capacity returns how many bits fit with at least Redundancy carrier
// blocks each. Partial blocks at the right and bottom edges do not carry.
func (c *DCT) Capacity(width, height int) int {
	blocks := (height / c.cfg.BlockSize) * (width / c.cfg.BlockSize)
	return blocks / c.cfg.Redundancy
}

func (c *DCT) EmbedBits(plane [][]float64, bits []int) error {
	n := len(bits)
	if n == 0 {
		return nil
	}
	h := len(plane)
	w := len(plane[0])
	if capacity := c.Capacity(w, h); n > capacity {
		return fmt.Errorf("dct codec: %d bits into %dx%d plane (capacity %d): %w",
			n, w, h, capacity, errs.ErrCapacityExceeded)
	}

	bs := c.cfg.BlockSize
	strength := c.cfg.QuantizationStrength
	ra, ca := c.cfg.CoeffA[0], c.cfg.CoeffA[1]
	rb, cb := c.cfg.CoeffB[0], c.cfg.CoeffB[1]

	num := 0
	for by := 0; by < h/bs; by++ {
		for bx := 0; bx < w/bs; bx++ {
			bit := bits[num%n]
			num++

			block := transform.Block(plane, by*bs, bx*bs, bs)
			coeffs := dct.Forward2D(block)
			a := coeffs[ra][ca]
			b := coeffs[rb][cb]

			// Only rewrite blocks that do not already carry the bit with
			// the full margin; everything else stays bit-exact.
			switch {
			case bit == 1 && a-b < strength:
				mid := (a + b) / 2
				coeffs[ra][ca] = mid + strength/2
				coeffs[rb][cb] = mid - strength/2
			case bit == 0 && b-a < strength:
				mid := (a + b) / 2
				coeffs[ra][ca] = mid - strength/2
				coeffs[rb][cb] = mid + strength/2
			default:
				continue
			}
			transform.PutBlock(plane, dct.Inverse2D(coeffs), by*bs, bx*bs, bs)
		}
	}
	return nil
}

func (c *DCT) ExtractBits(plane [][]float64, count int) ([]int, []float64, error) {
	if count <= 0 {
		return nil, nil, fmt.Errorf("dct codec: bit count must be positive, got %d", count)
	}
	h := len(plane)
	w := len(plane[0])
	bs := c.cfg.BlockSize
	blocks := (h / bs) * (w / bs)
	if blocks < count {
		return nil, nil, fmt.Errorf("dct codec: %dx%d plane has %d blocks, cannot hold %d bits", w, h, blocks, count)
	}
	ra, ca := c.cfg.CoeffA[0], c.cfg.CoeffA[1]
	rb, cb := c.cfg.CoeffB[0], c.cfg.CoeffB[1]

	ones := make([]int, count)
	votes := make([]int, count)
	num := 0
	for by := 0; by < h/bs; by++ {
		for bx := 0; bx < w/bs; bx++ {
			block := transform.Block(plane, by*bs, bx*bs, bs)
			coeffs := dct.Forward2D(block)
			if coeffs[ra][ca] > coeffs[rb][cb] {
				ones[num%count]++
			}
			votes[num%count]++
			num++
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
