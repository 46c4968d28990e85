// Package invisible builds the covert watermark bitstream and recovers
// it again: payload serialization, authenticated encryption, the
// error-correction frame, and delegation to a transform codec. It is the
// layer that turns "a payload and a frame" into "a marked frame" and
// back, without knowing anything about sessions or providers.
package invisible

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/sealmark/sealmark/internal/codec"
	"github.com/sealmark/sealmark/internal/ecc"
	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/keyring"
	"github.com/sealmark/sealmark/internal/model"
	"github.com/sealmark/sealmark/internal/payload"
	"github.com/sealmark/sealmark/internal/transform"
)

// Config tunes payload protection and embed quality.
type Config struct {
	// PSNRFloor is the minimum acceptable quality of a marked frame, in
	// dB against the original. Embedding that would land below it fails.
	PSNRFloor float64
	// ECCFactor is the repetition factor applied to the encrypted frame
	// before embedding. Must be odd so every majority vote resolves.
	ECCFactor int
	// NoiseFloor is the mean codec agreement below which an unparseable
	// bitstream counts as absent rather than damaged. Unmarked content
	// settles around 0.69 with four votes per bit; a real but degraded
	// mark stays well above.
	NoiseFloor float64
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{PSNRFloor: 40, ECCFactor: 3, NoiseFloor: 0.75}
}

// Service embeds encrypted payload frames into media frames and extracts
// them again. Stateless; safe for concurrent use.
type Service struct {
	cfg Config
}

// NewService validates cfg and returns the service.
func NewService(cfg Config) (*Service, error) {
	if cfg.PSNRFloor <= 0 {
		return nil, fmt.Errorf("invisible: psnr floor must be positive, got %v", cfg.PSNRFloor)
	}
	if cfg.ECCFactor < 1 || cfg.ECCFactor%2 == 0 {
		return nil, fmt.Errorf("invisible: ecc factor must be positive and odd, got %d", cfg.ECCFactor)
	}
	if cfg.NoiseFloor < 0.5 || cfg.NoiseFloor >= 1 {
		return nil, fmt.Errorf("invisible: noise floor must be in [0.5, 1), got %v", cfg.NoiseFloor)
	}
	return &Service{cfg: cfg}, nil
}

// EncodedBits reports how many codec bits one payload frame occupies at
// the configured ECC factor. Callers use it to check a frame size
// against codec capacity before starting a session.
func (s *Service) EncodedBits() int {
	return ecc.EncodedBits(payload.FrameLength, s.cfg.ECCFactor)
}

// Embed writes p into a copy of frame using cdc and returns the marked
// copy; the input frame is never modified. Fails when the encoded
// payload exceeds the codec's capacity for the frame size, when sealing
// fails, or when the marked frame would land below the quality floor.
func (s *Service) Embed(frame *model.Frame, p *model.WatermarkPayload, keys *keyring.Keys, cdc codec.Codec) (*model.EmbedResult, error) {
	if err := transform.Validate(frame); err != nil {
		return nil, err
	}
	if cdc == nil {
		return nil, fmt.Errorf("invisible: embed: nil codec")
	}
	if keys == nil {
		return nil, fmt.Errorf("invisible: no session keys: %w", errs.ErrEncryptionFailure)
	}
	plain, err := payload.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("invisible: marshal payload (%v): %w", err, errs.ErrEncryptionFailure)
	}
	sealed, err := keys.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("invisible: seal payload (%v): %w", err, errs.ErrEncryptionFailure)
	}
	frameBytes, err := payload.BuildFrame(sealed)
	if err != nil {
		return nil, fmt.Errorf("invisible: %w", err)
	}
	bits, err := ecc.Encode(frameBytes, s.cfg.ECCFactor)
	if err != nil {
		return nil, fmt.Errorf("invisible: %w", err)
	}

	orig, err := transform.Luma(frame)
	if err != nil {
		return nil, err
	}
	marked := transform.Clone(orig)
	if err := cdc.EmbedBits(marked, bits); err != nil {
		return nil, fmt.Errorf("invisible: %w", err)
	}
	out, err := transform.ApplyLuma(frame, orig, marked)
	if err != nil {
		return nil, err
	}

	// Quality is judged on the stored pixels, after rounding and
	// clamping, not on the float plane the codec worked in.
	final, err := transform.Luma(out)
	if err != nil {
		return nil, err
	}
	psnr := transform.PSNR(orig, final)
	if psnr < s.cfg.PSNRFloor {
		return nil, fmt.Errorf("invisible: embed quality %.2f dB below %.2f dB floor: %w",
			psnr, s.cfg.PSNRFloor, errs.ErrQualityFloor)
	}

	return &model.EmbedResult{
		Frame:             out,
		BitsEmbedded:      len(bits),
		CapacityUsedRatio: float64(len(bits)) / float64(cdc.Capacity(frame.Width, frame.Height)),
		PSNR:              psnr,
	}, nil
}

// Extract attempts to recover a payload from frame, trying each key set
// in order until one authenticates. The outcome separates absent,
// damaged, and tampered marks; an error is returned only for unusable
// input, never for a frame that merely carries nothing.
func (s *Service) Extract(frame *model.Frame, keys []*keyring.Keys, cdc codec.Codec) (*model.ExtractResult, error) {
	if err := transform.Validate(frame); err != nil {
		return nil, err
	}
	plane, err := transform.Luma(frame)
	if err != nil {
		return nil, err
	}
	return s.ExtractPlane(plane, keys, cdc)
}

// ExtractPlane is Extract for an already-converted luma plane. The
// detector uses it to probe shifted views of one conversion.
func (s *Service) ExtractPlane(plane [][]float64, keys []*keyring.Keys, cdc codec.Codec) (*model.ExtractResult, error) {
	if cdc == nil {
		return nil, fmt.Errorf("invisible: extract: nil codec")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("invisible: extract: no candidate keys")
	}

	count := s.EncodedBits()
	bits, agreement, err := cdc.ExtractBits(plane, count)
	if err != nil {
		// Too small to carry a full encoded frame, so nothing to find.
		return &model.ExtractResult{Outcome: model.OutcomeNotFound}, nil
	}
	bitAgreement := stat.Mean(agreement, nil)
	frameBytes, eccAgreement, err := ecc.Decode(bits, s.cfg.ECCFactor)
	if err != nil {
		return nil, fmt.Errorf("invisible: %w", err)
	}
	confidence := bitAgreement * eccAgreement

	sealed, err := payload.ParseFrame(frameBytes)
	if err != nil {
		// A missing magic marker means no signal at all. Anything else
		// parsed far enough that the verdict rests on how coherently the
		// bits voted: noise-level agreement is an unmarked frame, high
		// agreement is a mark that took damage in transit.
		if errors.Is(err, payload.ErrNoMagic) || bitAgreement < s.cfg.NoiseFloor {
			return &model.ExtractResult{Outcome: model.OutcomeNotFound}, nil
		}
		return &model.ExtractResult{
			Outcome:      model.OutcomeCorrupted,
			Confidence:   confidence,
			BitAgreement: bitAgreement,
		}, nil
	}

	tried := 0
	for _, k := range keys {
		if k == nil {
			continue
		}
		tried++
		plain, err := k.Open(sealed)
		if err != nil {
			continue
		}
		p, err := payload.Unmarshal(plain)
		if err != nil {
			return &model.ExtractResult{
				Outcome:      model.OutcomeCorrupted,
				Confidence:   confidence,
				BitAgreement: bitAgreement,
			}, nil
		}
		return &model.ExtractResult{
			Outcome:      model.OutcomeRecovered,
			Payload:      p,
			Confidence:   confidence,
			BitAgreement: bitAgreement,
		}, nil
	}
	if tried == 0 {
		return nil, fmt.Errorf("invisible: extract: no candidate keys")
	}

	// The frame checksummed clean, so these are deliberate bits that no
	// known key authenticates. That is tampering, not noise.
	return &model.ExtractResult{
		Outcome:      model.OutcomeAuthFailed,
		Confidence:   confidence,
		BitAgreement: bitAgreement,
	}, nil
}
