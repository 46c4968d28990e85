// Package keyring derives and applies the symmetric key material that
// protects watermark payloads.
//
// Keys are derived from a master secret with HKDF-SHA256, domain-separated
// per tenant and session. Sealing uses XChaCha20-Poly1305 with the tenant
// identity bound as associated data, so a payload sealed for one tenant
// does not authenticate under another tenant's keys even if the master
// secret is shared.
package keyring

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/sealmark/sealmark/internal/errs"
)

const (
	// MasterKeySize is the minimum master secret length in bytes.
	MasterKeySize = 32
	// NonceSize is the XChaCha20-Poly1305 nonce length.
	NonceSize = chacha20poly1305.NonceSizeX
	// TagSize is the Poly1305 authenticator length.
	TagSize = chacha20poly1305.Overhead
)

// Keys holds the derived key material for one tenant/session scope. The
// raw keys never leave the struct; callers seal and open through it.
type Keys struct {
	TenantID  string
	SessionID string

	encKey [32]byte
	prfKey [32]byte
}

// Derive derives sealing keys from a master secret. sessionID may be empty
// for a tenant-wide key; payloads sealed under a session key only open
// with a key derived for the same session.
func Derive(master []byte, tenantID, sessionID string) (*Keys, error) {
	if len(master) < MasterKeySize {
		return nil, fmt.Errorf("master secret is %d bytes, need >= %d: %w",
			len(master), MasterKeySize, errs.ErrEncryptionFailure)
	}
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id required: %w", errs.ErrEncryptionFailure)
	}
	info := "sealmark/v1|tenant=" + tenantID + "|session=" + sessionID
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	k := &Keys{TenantID: tenantID, SessionID: sessionID}
	if _, err := io.ReadFull(r, k.encKey[:]); err != nil {
		return nil, fmt.Errorf("derive enc key: %w", errs.ErrEncryptionFailure)
	}
	if _, err := io.ReadFull(r, k.prfKey[:]); err != nil {
		return nil, fmt.Errorf("derive prf key: %w", errs.ErrEncryptionFailure)
	}
	return k, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext || tag. The
// nonce is computed as a PRF over the plaintext (SIV style), so sealing
// the same payload under the same keys is deterministic. Distinct payloads
// never collide on a nonce short of an HMAC collision, and the 24-byte
// nonce space makes the derived values safe to use as nonces.
func (k *Keys) Seal(plaintext []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("nil keys: %w", errs.ErrEncryptionFailure)
	}
	aead, err := chacha20poly1305.NewX(k.encKey[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", errs.ErrEncryptionFailure)
	}
	nonce := k.nonce(plaintext)
	return aead.Seal(nonce, nonce, plaintext, k.aad()), nil
}

// Open decrypts a blob produced by Seal. A wrapped errs.ErrAuthFailed
// result means the ciphertext did not authenticate under these keys:
// wrong tenant or session scope, or a tampered tag.
func (k *Keys) Open(blob []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("nil keys: %w", errs.ErrEncryptionFailure)
	}
	if len(blob) < NonceSize+TagSize {
		return nil, fmt.Errorf("sealed blob is %d bytes, need >= %d: %w",
			len(blob), NonceSize+TagSize, errs.ErrAuthFailed)
	}
	aead, err := chacha20poly1305.NewX(k.encKey[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", errs.ErrEncryptionFailure)
	}
	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], k.aad())
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", errs.ErrAuthFailed)
	}
	return plaintext, nil
}

func (k *Keys) aad() []byte {
	return []byte("sealmark/v1|tenant=" + k.TenantID)
}

func (k *Keys) nonce(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, k.prfKey[:])
	mac.Write(plaintext)
	return mac.Sum(nil)[:NonceSize]
}

// String implements fmt.Stringer without exposing key material.
func (k *Keys) String() string {
	return fmt.Sprintf("keyring.Keys{tenant=%s session=%s key=[redacted]}", k.TenantID, k.SessionID)
}
