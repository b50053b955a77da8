package adapters

import (
	"context"
	"encoding/json"

	"github.com/semblance-ai/semblance/internal/action"
	"github.com/semblance-ai/semblance/internal/semerr"
)

// Noop returns an Adapter-shaped function that always succeeds with an
// empty data payload. It is the dispatch target for action types whose
// real implementation is an external collaborator spec.md §1 explicitly
// carves out of scope (email/calendar/finance/health protocol adapters,
// web search, local network discovery): wiring them to a stub here lets
// the rest of the pipeline — policy, rate limiting, allowlist, anomaly
// detection, audit, attestation — run end to end against every action
// type without requiring a real provider integration.
func Noop() func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
	return func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
		return json.RawMessage(`{}`), nil
	}
}
