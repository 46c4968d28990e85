package codec

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/sealmark/sealmark/internal/transform/dwt"
)

// Recommendation is the parameter suggestion produced by
// AnalyzeDWTParameters for one plane.
type Recommendation struct {
	Levels        int
	Strength      float64
	CapacityBits  int
	PredictedPSNR float64

	// MeanAbsDetail and SubbandSpread describe the deepest detail
	// subbands of the analyzed plane. Busy content (large spread) hides
	// the mark better than the PSNR number alone suggests; near-zero
	// spread means flat content where the mark carries all the energy.
	MeanAbsDetail float64
	SubbandSpread float64
}

// analyzeStrengths are the candidate quantization steps, strongest first.
var analyzeStrengths = []float64{24, 20, 16, 12, 8}

// qimShiftVariance is E[(u-1/4)^2] for u uniform on [0,1), the mean
// squared singular-value displacement per quantization step. Both cell
// halves integrate to the same 7/48.
const qimShiftVariance = 7.0 / 48.0

// PredictedPSNR models the luma PSNR after embedding at the given
// strength with the given config geometry. The quantization displacement
// of each tile's leading singular value spreads across the tile's
// coefficients, and every tile is touched, so the predicted MSE follows
// directly from the step size:
//
//	MSE = 2 * qimShiftVariance * strength^2 / tileSize^2
//
// The decomposition depth cancels out: deeper levels touch fewer, coarser
// coefficients whose pixel footprint is proportionally larger. Strictly
// decreasing in strength.
func PredictedPSNR(cfg DWTConfig, strength float64) float64 {
	mse := 2 * qimShiftVariance * strength * strength / float64(cfg.TileSize*cfg.TileSize)
	return 10 * math.Log10(255.0*255.0/mse)
}

// AnalyzeDWTParameters recommends embedding parameters for a plane: the
// largest quantization strength whose predicted PSNR stays above
// targetPSNR, at the default decomposition depth. Stronger is always
// preferred because extraction robustness scales with the step size. An
// unreachable target or a plane too small to carry anything is an error.
func AnalyzeDWTParameters(plane [][]float64, targetPSNR float64) (Recommendation, error) {
	h := len(plane)
	if h == 0 || len(plane[0]) == 0 {
		return Recommendation{}, fmt.Errorf("dwt analysis: empty plane")
	}
	w := len(plane[0])

	cfg := DefaultDWTConfig()
	capacity := (&DWT{cfg: cfg}).Capacity(w, h)
	if capacity == 0 {
		return Recommendation{}, fmt.Errorf("dwt analysis: %dx%d plane has no capacity at level %d", w, h, cfg.Levels)
	}

	th := (h >> cfg.Levels) << cfg.Levels
	tw := (w >> cfg.Levels) << cfg.Levels
	view := make([][]float64, th)
	for y := 0; y < th; y++ {
		view[y] = plane[y][:tw]
	}
	pyr, err := dwt.Decompose(view, cfg.Levels)
	if err != nil {
		return Recommendation{}, fmt.Errorf("dwt analysis: %w", err)
	}
	deep := pyr.Deepest()
	flat := make([]float64, 0, 2*len(deep.HL)*len(deep.HL[0]))
	abs := make([]float64, 0, cap(flat))
	for _, sb := range [][][]float64{deep.HL, deep.LH} {
		for _, row := range sb {
			for _, v := range row {
				flat = append(flat, v)
				abs = append(abs, math.Abs(v))
			}
		}
	}

	rec := Recommendation{
		Levels:        cfg.Levels,
		CapacityBits:  capacity,
		MeanAbsDetail: stat.Mean(abs, nil),
		SubbandSpread: stat.StdDev(flat, nil),
	}
	for _, s := range analyzeStrengths {
		if p := PredictedPSNR(cfg, s); p >= targetPSNR {
			rec.Strength = s
			rec.PredictedPSNR = p
			return rec, nil
		}
	}
	weakest := analyzeStrengths[len(analyzeStrengths)-1]
	return Recommendation{}, fmt.Errorf("dwt analysis: target %.1f dB unreachable, best %.1f dB at strength %v",
		targetPSNR, PredictedPSNR(cfg, weakest), weakest)
}
