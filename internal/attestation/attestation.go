// Package attestation implements the Attestation Signer and Witness
// Generator (spec §4.7/§3): proofs over canonical JSON that an autonomous
// action was taken, exportable without leaking the action's payload.
package attestation

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/semblance-ai/semblance/common/canonjson"
)

// ProofType identifies which signature scheme produced a proof.
type ProofType string

const (
	ProofEd25519Signature2020 ProofType = "Ed25519Signature2020"
	ProofHmacSha256Signature  ProofType = "HmacSha256Signature"
)

const proofPurpose = "assertionMethod"

// Proof is the `proof` block of an Attestation.
type Proof struct {
	Type               ProofType `json:"type"`
	Created            string    `json:"created"`
	VerificationMethod string    `json:"verificationMethod"`
	ProofPurpose       string    `json:"proofPurpose"`
	ProofValue         string    `json:"proofValue"`
}

// Attestation is a signed canonical-JSON payload plus its proof.
type Attestation struct {
	Payload interface{} `json:"payload"`
	Proof   Proof       `json:"proof"`
}

// Signer produces Attestations, preferring Ed25519 over HMAC when both
// keys are configured (spec §4.7).
type Signer struct {
	deviceID   string
	ed25519Key ed25519.PrivateKey
	hmacKey    []byte
}

// NewSigner returns a Signer for deviceID. Either key may be nil/empty;
// at least one must be non-empty or Sign will fail.
func NewSigner(deviceID string, ed25519Key ed25519.PrivateKey, hmacKey []byte) *Signer {
	return &Signer{deviceID: deviceID, ed25519Key: ed25519Key, hmacKey: hmacKey}
}

// Sign produces an Attestation over payload, using Ed25519Signature2020
// if a device key is configured, otherwise falling back to
// HmacSha256Signature.
func (s *Signer) Sign(payload interface{}) (Attestation, error) {
	canon, err := canonjson.Canonicalize(payload)
	if err != nil {
		return Attestation{}, fmt.Errorf("attestation: canonicalize payload: %w", err)
	}
	digest := sha256.Sum256(canon)
	created := time.Now().UTC().Format(time.RFC3339)
	verificationMethod := "device:" + s.deviceID

	switch {
	case len(s.ed25519Key) == ed25519.PrivateKeySize:
		sig := ed25519.Sign(s.ed25519Key, digest[:])
		return Attestation{
			Payload: payload,
			Proof: Proof{
				Type:               ProofEd25519Signature2020,
				Created:            created,
				VerificationMethod: verificationMethod,
				ProofPurpose:       proofPurpose,
				ProofValue:         hex.EncodeToString(sig),
			},
		}, nil
	case len(s.hmacKey) > 0:
		mac := hmac.New(sha256.New, s.hmacKey)
		mac.Write(digest[:])
		return Attestation{
			Payload: payload,
			Proof: Proof{
				Type:               ProofHmacSha256Signature,
				Created:            created,
				VerificationMethod: verificationMethod,
				ProofPurpose:       proofPurpose,
				ProofValue:         hex.EncodeToString(mac.Sum(nil)),
			},
		}, nil
	default:
		return Attestation{}, fmt.Errorf("attestation: no signing key configured")
	}
}

// Verify checks att's proof against the given keys (either may be nil).
// Comparison is constant-time for both proof types.
func Verify(att Attestation, ed25519PubKey ed25519.PublicKey, hmacKey []byte) (bool, error) {
	canon, err := canonjson.Canonicalize(att.Payload)
	if err != nil {
		return false, fmt.Errorf("attestation: canonicalize payload: %w", err)
	}
	digest := sha256.Sum256(canon)

	sig, err := hex.DecodeString(att.Proof.ProofValue)
	if err != nil {
		return false, fmt.Errorf("attestation: decode proofValue: %w", err)
	}

	switch att.Proof.Type {
	case ProofEd25519Signature2020:
		if len(ed25519PubKey) != ed25519.PublicKeySize {
			return false, fmt.Errorf("attestation: no Ed25519 public key configured")
		}
		return ed25519.Verify(ed25519PubKey, digest[:], sig), nil
	case ProofHmacSha256Signature:
		if len(hmacKey) == 0 {
			return false, fmt.Errorf("attestation: no HMAC key configured")
		}
		mac := hmac.New(sha256.New, hmacKey)
		mac.Write(digest[:])
		return hmac.Equal(sig, mac.Sum(nil)), nil
	default:
		return false, fmt.Errorf("attestation: unknown proof type %q", att.Proof.Type)
	}
}
