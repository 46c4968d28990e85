// Package ecc implements the interleaved repetition code protecting the
// payload bitstream against the residual bit-error rate of the codecs.
//
// Encode expands each source bit into factor copies. Copies are interleaved
// rather than adjacent: copy c of bit i sits at position c*n + i (n = source
// bit count), so a burst of damaged carrier blocks lands on copies of many
// different bits instead of wiping out all copies of one.
package ecc

import "fmt"

// Encode expands data into the interleaved repetition bitstream. factor
// must be odd so majority votes cannot tie.
func Encode(data []byte, factor int) ([]int, error) {
	if err := checkFactor(factor); err != nil {
		return nil, err
	}
	src := BytesToBits(data)
	n := len(src)
	out := make([]int, n*factor)
	for c := 0; c < factor; c++ {
		copy(out[c*n:(c+1)*n], src)
	}
	return out, nil
}

// Decode majority-votes the interleaved copies back into bytes. The
// returned agreement is the mean winning-vote share across all source
// bits, in [0.5, 1]; 1.0 means every copy of every bit agreed.
func Decode(bits []int, factor int) (data []byte, agreement float64, err error) {
	if err := checkFactor(factor); err != nil {
		return nil, 0, err
	}
	if len(bits) == 0 || len(bits)%factor != 0 {
		return nil, 0, fmt.Errorf("ecc: bitstream length %d not divisible by factor %d", len(bits), factor)
	}
	n := len(bits) / factor
	decoded := make([]int, n)
	var shareSum float64
	for i := 0; i < n; i++ {
		ones := 0
		for c := 0; c < factor; c++ {
			if bits[c*n+i] != 0 {
				ones++
			}
		}
		if ones*2 > factor {
			decoded[i] = 1
		}
		win := ones
		if factor-ones > win {
			win = factor - ones
		}
		shareSum += float64(win) / float64(factor)
	}
	return BitsToBytes(decoded), shareSum / float64(n), nil
}

// EncodedBits returns the encoded stream length in bits for nBytes of
// payload under the given factor.
func EncodedBits(nBytes, factor int) int {
	return nBytes * 8 * factor
}

func checkFactor(factor int) error {
	if factor < 1 || factor%2 == 0 {
		return fmt.Errorf("ecc: repetition factor must be odd and >= 1, got %d", factor)
	}
	return nil
}

// BytesToBits unpacks bytes into a bit slice, MSB first within each byte.
func BytesToBits(data []byte) []int {
	bits := make([]int, len(data)*8)
	for i, b := range data {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(7-bit)) != 0 {
				bits[i*8+bit] = 1
			}
		}
	}
	return bits
}

// BitsToBytes packs a bit slice (MSB first) into bytes.
func BitsToBytes(bits []int) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			out[i/8] |= 1 << uint(7-(i%8))
		}
	}
	return out
}
