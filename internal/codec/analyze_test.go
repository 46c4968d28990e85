package codec_test

import (
	"strings"
	"testing"

	"github.com/sealmark/sealmark/internal/codec"
)

func TestPredictedPSNRMonotonic(t *testing.T) {
	cfg := codec.DefaultDWTConfig()
	strengths := []float64{24, 20, 16, 12, 8}
	prev := codec.PredictedPSNR(cfg, strengths[0])
	for _, s := range strengths[1:] {
		p := codec.PredictedPSNR(cfg, s)
		if p <= prev {
			t.Fatalf("PredictedPSNR not strictly decreasing in strength: %.2f dB at weaker step <= %.2f dB", p, prev)
		}
		prev = p
	}
}

func TestPredictedPSNRKnownValue(t *testing.T) {
	// strength 16, tile 4: MSE = 2*(7/48)*256/16 = 14/3.
	got := codec.PredictedPSNR(codec.DefaultDWTConfig(), 16)
	want := 41.44
	if got < want-0.01 || got > want+0.01 {
		t.Fatalf("PredictedPSNR(16) = %.4f dB, want %.2f", got, want)
	}
}

func TestAnalyzePicksLargestStrength(t *testing.T) {
	plane := makeTestPlane(256, 256, 21)
	cases := []struct {
		target   float64
		strength float64
	}{
		{37, 24},
		{39, 20},
		{40, 16},
		{43, 12},
		{47, 8},
	}
	for _, tc := range cases {
		rec, err := codec.AnalyzeDWTParameters(plane, tc.target)
		if err != nil {
			t.Fatalf("target %.0f dB: %v", tc.target, err)
		}
		if rec.Strength != tc.strength {
			t.Errorf("target %.0f dB: strength = %v, want %v", tc.target, rec.Strength, tc.strength)
		}
		if rec.PredictedPSNR < tc.target {
			t.Errorf("target %.0f dB: predicted %.2f dB below target", tc.target, rec.PredictedPSNR)
		}
	}
}

func TestAnalyzeCapacityMatchesCodec(t *testing.T) {
	plane := makeTestPlane(256, 320, 22)
	rec, err := codec.AnalyzeDWTParameters(plane, 40)
	if err != nil {
		t.Fatalf("AnalyzeDWTParameters: %v", err)
	}
	cdc, err := codec.NewDWT(codec.DefaultDWTConfig())
	if err != nil {
		t.Fatalf("NewDWT: %v", err)
	}
	if want := cdc.Capacity(320, 256); rec.CapacityBits != want {
		t.Fatalf("CapacityBits = %d, want %d", rec.CapacityBits, want)
	}
	if rec.Levels != codec.DefaultDWTConfig().Levels {
		t.Fatalf("Levels = %d, want %d", rec.Levels, codec.DefaultDWTConfig().Levels)
	}
}

func TestAnalyzeSubbandStats(t *testing.T) {
	textured := makeTestPlane(256, 256, 23)
	rec, err := codec.AnalyzeDWTParameters(textured, 40)
	if err != nil {
		t.Fatalf("AnalyzeDWTParameters: %v", err)
	}
	if rec.MeanAbsDetail <= 0 {
		t.Errorf("MeanAbsDetail = %v on textured plane, want > 0", rec.MeanAbsDetail)
	}
	if rec.SubbandSpread <= 0 {
		t.Errorf("SubbandSpread = %v on textured plane, want > 0", rec.SubbandSpread)
	}

	flat := make([][]float64, 64)
	for y := range flat {
		flat[y] = make([]float64, 64)
		for x := range flat[y] {
			flat[y][x] = 128
		}
	}
	frec, err := codec.AnalyzeDWTParameters(flat, 40)
	if err != nil {
		t.Fatalf("AnalyzeDWTParameters on flat plane: %v", err)
	}
	if frec.MeanAbsDetail > 1e-9 {
		t.Errorf("MeanAbsDetail = %v on flat plane, want 0", frec.MeanAbsDetail)
	}
	if rec.SubbandSpread <= frec.SubbandSpread {
		t.Errorf("spread %v on textured plane not above flat plane %v", rec.SubbandSpread, frec.SubbandSpread)
	}
}

func TestAnalyzeUnreachableTarget(t *testing.T) {
	plane := makeTestPlane(128, 128, 24)
	_, err := codec.AnalyzeDWTParameters(plane, 60)
	if err == nil {
		t.Fatal("expected error for unreachable target")
	}
	if !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("error %q does not name the unreachable target", err)
	}
}

func TestAnalyzeRejectsTinyPlane(t *testing.T) {
	if _, err := codec.AnalyzeDWTParameters(nil, 40); err == nil {
		t.Fatal("expected error for empty plane")
	}
	tiny := makeTestPlane(4, 4, 25)
	if _, err := codec.AnalyzeDWTParameters(tiny, 40); err == nil {
		t.Fatal("expected error for plane with no capacity")
	}
}
