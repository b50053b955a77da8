package action

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/semblance-ai/semblance/common/canonjson"
)

// signedFields is the exact set of ActionRequest fields the signature
// covers (spec §6.1's frozen request shape minus the signature itself).
type signedFields struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
}

// Sign computes the hex-encoded HMAC-SHA256 signature for a request over
// its canonical JSON form, using key as the shared secret.
func Sign(key []byte, id, timestamp string, actionType Type, payload json.RawMessage) (string, error) {
	canon, err := canonicalBytes(id, timestamp, actionType, payload)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is the correct HMAC-SHA256 over the
// request fields, comparing in constant time.
func Verify(key []byte, id, timestamp string, actionType Type, payload json.RawMessage, signature string) (bool, error) {
	want, err := Sign(key, id, timestamp, actionType, payload)
	if err != nil {
		return false, err
	}

	gotMAC, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil // malformed hex is simply "not a valid signature"
	}
	wantMAC, err := hex.DecodeString(want)
	if err != nil {
		return false, fmt.Errorf("action: decode computed signature: %w", err)
	}

	return hmac.Equal(gotMAC, wantMAC), nil
}

func canonicalBytes(id, timestamp string, actionType Type, payload json.RawMessage) ([]byte, error) {
	fields := signedFields{
		ID:        id,
		Timestamp: timestamp,
		Action:    string(actionType),
		Payload:   payload,
		Source:    "core",
	}
	canon, err := canonjson.Canonicalize(fields)
	if err != nil {
		return nil, fmt.Errorf("action: canonicalize for signing: %w", err)
	}
	return canon, nil
}
