// Package gatewayapp implements the Gateway-side dispatch pipeline: the
// fixed validate -> rate-limit -> allowlist -> anomaly -> adapter -> audit
// sequence every ActionRequest passes through before Core sees a Response.
package gatewayapp

import (
	"context"
	"encoding/json"

	"github.com/semblance-ai/semblance/internal/action"
	"github.com/semblance-ai/semblance/internal/semerr"
)

// Adapter executes one action against whatever external system it fronts
// and returns the response payload. Adapters never see a request that
// failed an earlier pipeline stage (schema, signature, policy, rate limit,
// allowlist). Adapters report a payload they cannot use (wrong shape,
// missing field) as CodeSchemaViolation, and failures of the external
// system itself as *semerr.Error with a Kind of KindAdapter or
// KindTransport.
type Adapter interface {
	Call(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error)
}

// AdapterFunc adapts a plain function to the Adapter interface, mirroring
// the stdlib http.HandlerFunc idiom.
type AdapterFunc func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error)

func (f AdapterFunc) Call(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
	return f(ctx, actionType, payload)
}

// Registry routes an action type to the Adapter responsible for it.
type Registry struct {
	byType    map[action.Type]Adapter
	fallback  Adapter
}

// NewRegistry returns a Registry that dispatches unmapped action types to
// fallback. fallback must not be nil; use adapters.Noop() for action types
// whose real integration is an out-of-scope external collaborator
// (spec.md §1): email/calendar/finance/health providers, web search.
func NewRegistry(fallback Adapter) *Registry {
	return &Registry{byType: make(map[action.Type]Adapter), fallback: fallback}
}

// Register wires actionType to adapter, overriding any previous mapping.
func (r *Registry) Register(actionType action.Type, adapter Adapter) {
	r.byType[actionType] = adapter
}

// Resolve returns the Adapter responsible for actionType, falling back to
// the registry's default when no specific mapping exists.
func (r *Registry) Resolve(actionType action.Type) Adapter {
	if a, ok := r.byType[actionType]; ok {
		return a
	}
	return r.fallback
}
