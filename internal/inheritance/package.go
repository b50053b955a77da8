package inheritance

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/semblance-ai/semblance/common/crypto"
)

// supportedPackageVersions is the closed set of header.version values
// accepted; unknown higher versions are rejected outright (spec §6.3).
var supportedPackageVersions = map[int]bool{1: true, 2: true}

// PackageHeader is the cleartext identification block of an activation
// package file.
type PackageHeader struct {
	PartyID   string `json:"partyId"`
	Version   int    `json:"version"`
	CreatedAt string `json:"createdAt"`
	KDF       string `json:"kdf,omitempty"`
	Salt      string `json:"salt,omitempty"` // hex
}

// PackagePayload is the AES-256-GCM encrypted payload, fields base64.
type PackagePayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

// EncryptedActivationPackage is the on-disk/wire shape of spec §6.3: a
// cleartext header plus an encrypted payload.
type EncryptedActivationPackage struct {
	Header  PackageHeader  `json:"header"`
	Payload PackagePayload `json:"payload"`
}

// Decrypt derives the content key from passphrase per header.kdf (v2:
// Argon2id with header.salt; v1: legacy SHA-256, no salt) and decrypts the
// payload. Any malformed field, unsupported version, or AEAD failure is
// reported as ErrPackageInvalidOrCorrupt.
func (p EncryptedActivationPackage) Decrypt(passphrase []byte) ([]byte, error) {
	if !supportedPackageVersions[p.Header.Version] {
		return nil, fmt.Errorf("%w: unsupported header version %d", ErrPackageInvalidOrCorrupt, p.Header.Version)
	}

	key, err := p.deriveKey(passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackageInvalidOrCorrupt, err)
	}

	iv, err := base64.StdEncoding.DecodeString(p.Payload.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: decode iv: %v", ErrPackageInvalidOrCorrupt, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(p.Payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrPackageInvalidOrCorrupt, err)
	}
	tag, err := base64.StdEncoding.DecodeString(p.Payload.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: decode tag: %v", ErrPackageInvalidOrCorrupt, err)
	}

	// common/crypto.Decrypt expects GCM's own [nonce][ciphertext+tag]
	// layout; the wire format splits ciphertext and tag for readability,
	// so they're recombined here before calling it.
	sealed := make([]byte, 0, len(iv)+len(ciphertext)+len(tag))
	sealed = append(sealed, iv...)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := crypto.Decrypt(key, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackageInvalidOrCorrupt, err)
	}
	return plaintext, nil
}

func (p EncryptedActivationPackage) deriveKey(passphrase []byte) ([]byte, error) {
	switch p.Header.Version {
	case 2:
		if p.Header.KDF != "argon2id" {
			return nil, fmt.Errorf("v2 package requires kdf=argon2id, got %q", p.Header.KDF)
		}
		salt, err := hex.DecodeString(p.Header.Salt)
		if err != nil {
			return nil, fmt.Errorf("decode salt: %w", err)
		}
		return crypto.DeriveKey(crypto.KDFArgon2id, passphrase, salt)
	case 1:
		return crypto.DeriveKey(crypto.KDFLegacySHA256, passphrase, nil)
	default:
		return nil, fmt.Errorf("unsupported version %d", p.Header.Version)
	}
}
