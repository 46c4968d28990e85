package ecc_test

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/sealmark/sealmark/internal/ecc"
)

func TestRoundTripClean(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, 112)
	rng.Read(data)

	for _, factor := range []int{1, 3, 5} {
		bits, err := ecc.Encode(data, factor)
		if err != nil {
			t.Fatalf("factor=%d: %v", factor, err)
		}
		if len(bits) != ecc.EncodedBits(len(data), factor) {
			t.Fatalf("factor=%d: %d bits, want %d", factor, len(bits), ecc.EncodedBits(len(data), factor))
		}
		got, agreement, err := ecc.Decode(bits, factor)
		if err != nil {
			t.Fatalf("factor=%d: %v", factor, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("factor=%d: decoded bytes differ", factor)
		}
		if agreement != 1.0 {
			t.Errorf("factor=%d: clean agreement = %v, want 1.0", factor, agreement)
		}
	}
}

// TestCorrectsMinorityFlips flips one copy of every bit; with factor 3 the
// other two copies outvote it and the data survives.
func TestCorrectsMinorityFlips(t *testing.T) {
	data := []byte{0xA5, 0x3C, 0xFF, 0x00}
	bits, err := ecc.Encode(data, 3)
	if err != nil {
		t.Fatal(err)
	}
	n := len(data) * 8
	for i := 0; i < n; i++ {
		bits[2*n+i] ^= 1 // damage the third copy of every bit
	}
	got, agreement, err := ecc.Decode(bits, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("minority flips were not corrected")
	}
	if want := 2.0 / 3.0; math.Abs(agreement-want) > 1e-12 {
		t.Errorf("agreement = %v, want %v", agreement, want)
	}
}

// TestBurstSpansBits checks the interleave property: a contiguous burst of
// length n damages at most one copy of each bit.
func TestBurstSpansBits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 16)
	rng.Read(data)
	bits, err := ecc.Encode(data, 3)
	if err != nil {
		t.Fatal(err)
	}
	n := len(data) * 8
	for i := n / 2; i < n/2+n; i++ { // burst straddling two copy regions
		bits[i] ^= 1
	}
	got, _, err := ecc.Decode(bits, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("burst of one copy length corrupted the decode")
	}
}

func TestAgreementDegrades(t *testing.T) {
	data := make([]byte, 8)
	clean, err := ecc.Encode(data, 5)
	if err != nil {
		t.Fatal(err)
	}
	noisy := make([]int, len(clean))
	copy(noisy, clean)
	rng := rand.New(rand.NewSource(99))
	for i := range noisy {
		if rng.Float64() < 0.2 {
			noisy[i] ^= 1
		}
	}
	_, cleanAgr, err := ecc.Decode(clean, 5)
	if err != nil {
		t.Fatal(err)
	}
	_, noisyAgr, err := ecc.Decode(noisy, 5)
	if err != nil {
		t.Fatal(err)
	}
	if noisyAgr >= cleanAgr {
		t.Errorf("noisy agreement %v not below clean agreement %v", noisyAgr, cleanAgr)
	}
	if noisyAgr < 0.5 || noisyAgr > 1.0 {
		t.Errorf("agreement %v outside [0.5, 1]", noisyAgr)
	}
}

func TestRejectsBadFactor(t *testing.T) {
	if _, err := ecc.Encode([]byte{1}, 2); err == nil {
		t.Error("even factor should fail")
	}
	if _, err := ecc.Encode([]byte{1}, 0); err == nil {
		t.Error("zero factor should fail")
	}
	if _, _, err := ecc.Decode([]int{1, 0, 1, 0}, 3); err == nil {
		t.Error("length not divisible by factor should fail")
	}
}

func TestBitPacking(t *testing.T) {
	bits := ecc.BytesToBits([]byte{0x80, 0x01})
	if bits[0] != 1 || bits[7] != 0 || bits[15] != 1 {
		t.Errorf("MSB-first unpack wrong: %v", bits)
	}
	if got := ecc.BitsToBytes(bits); !bytes.Equal(got, []byte{0x80, 0x01}) {
		t.Errorf("repack = %x, want 8001", got)
	}
}
