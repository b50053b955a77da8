package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KDFVersion identifies which key derivation scheme produced a key, so an
// older activation package can still be opened after the default scheme
// changes.
type KDFVersion int

const (
	// KDFLegacySHA256 derives the key as SHA-256(passphrase || salt). Kept
	// only to open activation packages written before Argon2id was adopted.
	KDFLegacySHA256 KDFVersion = 1
	// KDFArgon2id is the current scheme: Argon2id with parameters tuned for
	// an interactive, one-shot unlock (inheritance activation happens once
	// per trusted party, not on a hot path).
	KDFArgon2id KDFVersion = 2
)

const (
	// SaltSize is the recommended salt length for both KDF schemes.
	SaltSize = 16

	argon2Time    = 1
	argon2Memory  = 64 * 1024 // KiB, 64 MiB
	argon2Threads = 4
)

var ErrUnknownKDFVersion = errors.New("unknown kdf version")

// NewSalt returns a fresh random salt of SaltSize bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a KeySize-byte AES key from passphrase and salt using
// the given KDF version.
func DeriveKey(version KDFVersion, passphrase, salt []byte) ([]byte, error) {
	switch version {
	case KDFLegacySHA256:
		h := sha256.New()
		h.Write(passphrase)
		h.Write(salt)
		return h.Sum(nil), nil
	case KDFArgon2id:
		return argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, KeySize), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKDFVersion, version)
	}
}
