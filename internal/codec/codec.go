// Package codec implements the transform-domain embedding strategies that
// carry a payload bitstream inside a luma plane.
//
// Both codecs write each bit into many carrier regions and majority-vote
// on extraction. Bits cycle across every available carrier (carrier i
// takes bit i mod len(bits)), so each bit receives at least the
// configured redundancy and shorter payloads get proportionally more
// copies. Capacity is the bit count at which the configured minimum still
// holds; embedding more is refused rather than degraded.
package codec

import (
	"fmt"

	"github.com/sealmark/sealmark/internal/model"
)

// Codec is one embedding strategy. Implementations are stateless after
// construction and safe for concurrent use on distinct planes.
type Codec interface {
	// Name identifies the codec in logs, metrics, and stored results.
	Name() string

	// Capacity returns the number of payload bits a width x height plane
	// can carry under this codec's configuration.
	Capacity(width, height int) int

	// EmbedBits writes bits into plane in place. The plane is left
	// untouched when the bits exceed capacity.
	EmbedBits(plane [][]float64, bits []int) error

	// ExtractBits majority-votes count bits out of plane. agreement
	// holds the per-bit winning-vote share in [0.5, 1]; values near 0.5
	// mean the carriers disagreed and the bit is untrustworthy.
	ExtractBits(plane [][]float64, count int) (bits []int, agreement []float64, err error)
}

// ForChoice builds a codec with default parameters for a session config
// choice. Embed and extract must agree on the choice; defaults keep the
// two sides of the pipeline in sync.
func ForChoice(choice model.CodecChoice) (Codec, error) {
	switch choice {
	case model.CodecDCT:
		return NewDCT(DefaultDCTConfig())
	case model.CodecDWT:
		return NewDWT(DefaultDWTConfig())
	}
	return nil, fmt.Errorf("unknown codec choice %q", choice)
}
