// Package payload defines the binary wire form of a watermark payload and
// the outer sync frame the codecs carry.
//
// Two layers are stacked here. The inner form is the fixed 66-byte
// serialization of a WatermarkPayload, which always travels sealed (see
// keyring). The outer frame wraps the sealed blob with just enough
// structure for a blind extractor to find and classify it:
//
//	Bytes 0–1:    Magic (0x534D)
//	Byte  2:      Frame version (0x01)
//	Byte  3:      Ciphertext length
//	Bytes 4–27:   AEAD nonce (24 bytes)
//	Bytes 28–93:  Ciphertext (66 bytes)
//	Bytes 94–109: Auth tag (16 bytes)
//	Bytes 110–111: CRC-16/CCITT-FALSE over bytes 0–93
//
// The CRC deliberately stops before the auth tag. Channel noise anywhere
// in the covered region trips the CRC and reads as corruption; a frame
// whose only damage is inside the tag parses cleanly and fails AEAD
// verification instead, which is the signal for deliberate tampering.
package payload

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/keyring"
	"github.com/sealmark/sealmark/internal/model"
)

const (
	// FormatVersion is the inner payload serialization version.
	FormatVersion uint16 = 0x0001
	// FrameVersion is the outer frame layout version.
	FrameVersion byte = 0x01
	// Magic marks the start of an embedded frame.
	Magic uint16 = 0x534D

	// PlainLength is the serialized WatermarkPayload size.
	PlainLength = 66

	headerLength = 4 // magic + frame version + ciphertext length
	crcLength    = 2

	// FrameLength is the total outer frame size in bytes. XChaCha20 is
	// length-preserving, so the ciphertext length equals PlainLength.
	FrameLength = headerLength + keyring.NonceSize + PlainLength + keyring.TagSize + crcLength
	// FrameBits is the outer frame size in bits, the unit the codec and
	// ECC layers budget against.
	FrameBits = FrameLength * 8

	// magicBitTolerance is how many flipped magic bits still count as a
	// frame. Payload integrity is guarded by the CRC and AEAD layers, so
	// a slightly damaged magic only affects frame discovery.
	magicBitTolerance = 2
)

// ErrNoMagic reports that no plausible frame starts at the given bits.
var ErrNoMagic = fmt.Errorf("no payload frame magic")

// ErrBadCRC reports a located frame whose covered region failed the CRC.
var ErrBadCRC = fmt.Errorf("payload frame crc mismatch")

// Marshal serializes a WatermarkPayload into its fixed 66-byte wire form:
//
//	Bytes 0–1:   Format version
//	Bytes 2–17:  Session UUID
//	Bytes 18–33: Tenant UUID
//	Bytes 34–49: User UUID
//	Bytes 50–57: Issued-at (unix seconds, big endian)
//	Bytes 58–65: Rotation nonce (big endian)
func Marshal(p *model.WatermarkPayload) ([]byte, error) {
	out := make([]byte, PlainLength)
	binary.BigEndian.PutUint16(out[0:2], FormatVersion)

	for _, f := range []struct {
		name string
		id   string
		off  int
	}{
		{"session", p.SessionID, 2},
		{"tenant", p.TenantID, 18},
		{"user", p.UserID, 34},
	} {
		u, err := uuid.Parse(f.id)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %s id %q: %w", f.name, f.id, err)
		}
		copy(out[f.off:f.off+16], u[:])
	}

	binary.BigEndian.PutUint64(out[50:58], uint64(p.IssuedAt.Unix()))
	binary.BigEndian.PutUint64(out[58:66], p.Nonce)
	return out, nil
}

// Unmarshal parses the 66-byte wire form. It is strict: callers only reach
// it after AEAD verification, so any mismatch is a format error rather
// than channel noise.
func Unmarshal(b []byte) (*model.WatermarkPayload, error) {
	if len(b) != PlainLength {
		return nil, fmt.Errorf("unmarshal payload: %d bytes, want %d", len(b), PlainLength)
	}
	version := binary.BigEndian.Uint16(b[0:2])
	if version != FormatVersion {
		return nil, fmt.Errorf("unmarshal payload: unsupported format version 0x%04x", version)
	}
	ids := make([]string, 3)
	for i, off := range []int{2, 18, 34} {
		u, err := uuid.FromBytes(b[off : off+16])
		if err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		ids[i] = u.String()
	}
	return &model.WatermarkPayload{
		FormatVersion: version,
		SessionID:     ids[0],
		TenantID:      ids[1],
		UserID:        ids[2],
		IssuedAt:      time.Unix(int64(binary.BigEndian.Uint64(b[50:58])), 0).UTC(),
		Nonce:         binary.BigEndian.Uint64(b[58:66]),
	}, nil
}

// BuildFrame wraps a sealed blob (nonce || ciphertext || tag, as produced
// by keyring.Keys.Seal) into the outer frame.
func BuildFrame(sealed []byte) ([]byte, error) {
	ctLen := len(sealed) - keyring.NonceSize - keyring.TagSize
	if ctLen != PlainLength {
		return nil, fmt.Errorf("build frame: sealed blob is %d bytes, want %d: %w",
			len(sealed), keyring.NonceSize+PlainLength+keyring.TagSize, errs.ErrEncryptionFailure)
	}
	out := make([]byte, FrameLength)
	binary.BigEndian.PutUint16(out[0:2], Magic)
	out[2] = FrameVersion
	out[3] = byte(ctLen)
	copy(out[headerLength:], sealed)

	covered := headerLength + keyring.NonceSize + ctLen
	binary.BigEndian.PutUint16(out[FrameLength-crcLength:], crc16(out[:covered]))
	return out, nil
}

// ParseFrame validates the outer frame and returns the sealed blob for the
// keyring to open. A few flipped magic bits are tolerated; the CRC then
// decides whether the covered region survived the channel. The version and
// length bytes sit inside the covered region, so they are only interpreted
// once the CRC has passed: noise there reads as corruption, while a clean
// frame of a different layout reads as no frame at all.
func ParseFrame(b []byte) ([]byte, error) {
	if len(b) != FrameLength {
		return nil, fmt.Errorf("frame is %d bytes, want %d: %w", len(b), FrameLength, ErrNoMagic)
	}
	magic := binary.BigEndian.Uint16(b[0:2])
	if bitDiffU16(magic, Magic) > magicBitTolerance {
		return nil, ErrNoMagic
	}
	covered := headerLength + keyring.NonceSize + PlainLength
	want := binary.BigEndian.Uint16(b[FrameLength-crcLength:])
	if crc16(b[:covered]) != want {
		return nil, ErrBadCRC
	}
	if b[2] != FrameVersion {
		return nil, fmt.Errorf("frame version 0x%02x: %w", b[2], ErrNoMagic)
	}
	if int(b[3]) != PlainLength {
		return nil, fmt.Errorf("frame ciphertext length %d: %w", b[3], ErrNoMagic)
	}
	return b[headerLength : FrameLength-crcLength], nil
}

// bitDiffU16 counts differing bits between two uint16 values.
func bitDiffU16(a, b uint16) int {
	diff := a ^ b
	count := 0
	for diff != 0 {
		count += int(diff & 1)
		diff >>= 1
	}
	return count
}

// crc16 computes CRC-16/CCITT-FALSE over data.
func crc16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
