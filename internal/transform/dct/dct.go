// Package dct implements the separable 2D Type-II DCT and its inverse
// (Type-III) with orthonormal scaling.
//
// The 1D DCT-II formula (orthonormal, matching the scipy/numpy/cv2
// convention):
//
//	X[k] = scale(k) * sum_{n=0}^{N-1} x[n] * cos(pi * k * (2n+1) / (2N))
//	scale(0) = sqrt(1/N), scale(k>0) = sqrt(2/N)
//
// The 2D transform is separable: 1D DCT-II over each row, then over each
// column of the result. Inverse2D reverses the order with the 1D DCT-III.
// Both directions share a precomputed cosine basis per transform size, so
// repeated calls on fixed-size coefficient blocks stay cheap.
package dct

import "math"

// basis holds the cosine factors and scale terms for one transform size.
// cos[k][i] = cos(pi * k * (2i+1) / (2N)).
type basis struct {
	n      int
	cos    [][]float64
	scale0 float64
	scaleK float64
}

func newBasis(n int) *basis {
	b := &basis{
		n:      n,
		cos:    make([][]float64, n),
		scale0: math.Sqrt(1.0 / float64(n)),
		scaleK: math.Sqrt(2.0 / float64(n)),
	}
	for k := 0; k < n; k++ {
		b.cos[k] = make([]float64, n)
		for i := 0; i < n; i++ {
			b.cos[k][i] = math.Cos(math.Pi * float64(k) * float64(2*i+1) / (2.0 * float64(n)))
		}
	}
	return b
}

// forward1D applies the 1D Type-II DCT to src, writing into dst.
func (b *basis) forward1D(dst, src []float64) {
	for k := 0; k < b.n; k++ {
		sum := 0.0
		row := b.cos[k]
		for i := 0; i < b.n; i++ {
			sum += src[i] * row[i]
		}
		if k == 0 {
			dst[k] = b.scale0 * sum
		} else {
			dst[k] = b.scaleK * sum
		}
	}
}

// inverse1D applies the 1D Type-III DCT (inverse of Type-II) to src,
// writing into dst.
func (b *basis) inverse1D(dst, src []float64) {
	for i := 0; i < b.n; i++ {
		sum := b.scale0 * src[0]
		for k := 1; k < b.n; k++ {
			sum += b.scaleK * src[k] * b.cos[k][i]
		}
		dst[i] = sum
	}
}

// Forward2D applies the 2D Type-II DCT to a rectangular block. The input
// need not be square; block dimensions determine the transform sizes.
// Returns a new block of the same dimensions.
func Forward2D(block [][]float64) [][]float64 {
	rows := len(block)
	cols := len(block[0])
	rowBasis := newBasis(cols)
	colBasis := rowBasis
	if rows != cols {
		colBasis = newBasis(rows)
	}

	out := make([][]float64, rows)
	for y := 0; y < rows; y++ {
		out[y] = make([]float64, cols)
		rowBasis.forward1D(out[y], block[y])
	}

	col := make([]float64, rows)
	trans := make([]float64, rows)
	for x := 0; x < cols; x++ {
		for y := 0; y < rows; y++ {
			col[y] = out[y][x]
		}
		colBasis.forward1D(trans, col)
		for y := 0; y < rows; y++ {
			out[y][x] = trans[y]
		}
	}
	return out
}

// Inverse2D applies the 2D Type-III DCT, undoing Forward2D. Returns a new
// block of the same dimensions.
func Inverse2D(block [][]float64) [][]float64 {
	rows := len(block)
	cols := len(block[0])
	rowBasis := newBasis(cols)
	colBasis := rowBasis
	if rows != cols {
		colBasis = newBasis(rows)
	}

	// Columns first, mirroring the forward order.
	out := make([][]float64, rows)
	for y := 0; y < rows; y++ {
		out[y] = make([]float64, cols)
	}
	col := make([]float64, rows)
	inv := make([]float64, rows)
	for x := 0; x < cols; x++ {
		for y := 0; y < rows; y++ {
			col[y] = block[y][x]
		}
		colBasis.inverse1D(inv, col)
		for y := 0; y < rows; y++ {
			out[y][x] = inv[y]
		}
	}

	row := make([]float64, cols)
	for y := 0; y < rows; y++ {
		copy(row, out[y])
		rowBasis.inverse1D(out[y], row)
	}
	return out
}
