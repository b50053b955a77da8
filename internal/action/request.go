package action

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/semblance-ai/semblance/common/ipc"
)

// Build constructs and signs a new ipc.Request for actionType with the
// given payload, using key as the shared HMAC secret. The caller (the
// Orchestrator) owns the result exclusively until it is sent; per spec,
// an ActionRequest is immutable after signing.
func Build(key []byte, actionType Type, payload interface{}) (ipc.Request, error) {
	if !Valid(actionType) {
		return ipc.Request{}, fmt.Errorf("action: %q is not a recognised action type", actionType)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return ipc.Request{}, fmt.Errorf("action: marshal payload: %w", err)
	}

	id := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339)

	sig, err := Sign(key, id, timestamp, actionType, payloadBytes)
	if err != nil {
		return ipc.Request{}, err
	}

	return ipc.Request{
		ID:        id,
		Timestamp: timestamp,
		Action:    string(actionType),
		Payload:   payloadBytes,
		Source:    "core",
		Signature: sig,
	}, nil
}

// ValidationError is returned by Validate when a request fails schema or
// signature checks; the Code matches the semerr taxonomy (CodeSchemaViolation
// or CodeBadSignature) so the dispatch layer can map it directly.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validate checks a raw frame body against the schema, then checks the
// decoded request's signature against key. Schema failures are reported
// before signature failures, matching the Gateway's documented check
// order (spec §4.2: a malformed envelope is rejected before its contents
// are trusted).
func Validate(key []byte, raw []byte) (ipc.Request, error) {
	if err := ValidateSchema(raw); err != nil {
		return ipc.Request{}, &ValidationError{Code: "schema_violation", Message: err.Error()}
	}

	req, err := ipc.DecodeRequest(raw)
	if err != nil {
		return ipc.Request{}, &ValidationError{Code: "schema_violation", Message: err.Error()}
	}

	if !Valid(Type(req.Action)) {
		return ipc.Request{}, &ValidationError{Code: "unknown_action", Message: req.Action}
	}

	ok, err := Verify(key, req.ID, req.Timestamp, Type(req.Action), req.Payload, req.Signature)
	if err != nil {
		return ipc.Request{}, &ValidationError{Code: "bad_signature", Message: err.Error()}
	}
	if !ok {
		return ipc.Request{}, &ValidationError{Code: "bad_signature", Message: "signature mismatch"}
	}

	return req, nil
}
