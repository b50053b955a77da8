package gatewayapp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/semblance-ai/semblance/common/ipc"
	"github.com/semblance-ai/semblance/internal/action"
	"github.com/semblance-ai/semblance/internal/allowlist"
	"github.com/semblance-ai/semblance/internal/anomaly"
	"github.com/semblance-ai/semblance/internal/audit"
	"github.com/semblance-ai/semblance/internal/ratelimit"
	"github.com/semblance-ai/semblance/internal/semerr"
)

var signingKey = []byte("pipeline-test-key")

func newTestPipeline(t *testing.T, adapters *Registry) *Pipeline {
	t.Helper()
	allowStore, err := allowlist.New(filepath.Join(t.TempDir(), "allowlist.db"))
	if err != nil {
		t.Fatalf("allowlist.New: %v", err)
	}
	t.Cleanup(func() { allowStore.Close() })

	auditStore, err := audit.New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	t.Cleanup(func() { auditStore.Close() })

	if adapters == nil {
		adapters = NewRegistry(AdapterFunc(func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
			return json.RawMessage(`{}`), nil
		}))
	}

	return &Pipeline{
		Limiter:    ratelimit.New(time.Minute, nil, 1000),
		Allowlist:  allowStore,
		Anomaly:    anomaly.New(anomaly.Config{}),
		Audit:      auditStore,
		Adapters:   adapters,
		SigningKey: signingKey,
	}
}

func signedRequest(t *testing.T, actionType action.Type, payload interface{}) ipc.Request {
	t.Helper()
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	id := "req-1"
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	sig, err := action.Sign(signingKey, id, timestamp, actionType, payloadBytes)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return ipc.Request{
		ID:        id,
		Timestamp: timestamp,
		Action:    string(actionType),
		Payload:   payloadBytes,
		Source:    "core",
		Signature: sig,
	}
}

func TestHandle_UnknownActionRejectedBySchema(t *testing.T) {
	p := newTestPipeline(t, nil)
	req := signedRequest(t, action.Type("not.a.real.action"), map[string]string{})

	resp := p.Handle(context.Background(), req)
	if resp.Status != ipc.StatusRejected {
		t.Fatalf("got status %v, want rejected", resp.Status)
	}
	// schema.json's action enum is the first line of defense against an
	// unrecognised action type, so it is caught here before action.Valid
	// ever runs.
	if resp.Error == nil || resp.Error.Code != semerr.CodeSchemaViolation {
		t.Fatalf("got error %+v, want %s", resp.Error, semerr.CodeSchemaViolation)
	}
}

func TestHandle_BadSignatureRejected(t *testing.T) {
	p := newTestPipeline(t, nil)
	req := signedRequest(t, action.TypeHealthFetch, map[string]string{})
	req.Signature = "not-the-right-signature"

	resp := p.Handle(context.Background(), req)
	if resp.Status != ipc.StatusRejected {
		t.Fatalf("got status %v, want rejected", resp.Status)
	}
	if resp.Error == nil || resp.Error.Code != semerr.CodeBadSignature {
		t.Fatalf("got error %+v, want %s", resp.Error, semerr.CodeBadSignature)
	}
}

func TestHandle_SuccessAppendsRequestAndResponseAuditEntries(t *testing.T) {
	p := newTestPipeline(t, nil)
	req := signedRequest(t, action.TypeHealthFetch, map[string]string{})

	resp := p.Handle(context.Background(), req)
	if resp.Status != ipc.StatusSuccess {
		t.Fatalf("got status %v, want success: %+v", resp.Status, resp.Error)
	}
	if resp.AuditRef == "" {
		t.Fatal("expected a non-empty auditRef")
	}

	rows, err := p.Audit.Query(audit.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d audit rows, want 2 (request + response)", len(rows))
	}
}

func TestHandle_BlockedDomainRejectedWithoutAdapterCall(t *testing.T) {
	called := false
	adapters := NewRegistry(AdapterFunc(func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
		called = true
		return json.RawMessage(`{}`), nil
	}))
	p := newTestPipeline(t, adapters)

	req := signedRequest(t, action.TypeServiceAPICall, map[string]string{"url": "https://imap.evil.test/fetch"})
	resp := p.Handle(context.Background(), req)

	if resp.Status != ipc.StatusRejected {
		t.Fatalf("got status %v, want rejected", resp.Status)
	}
	if resp.Error == nil || resp.Error.Code != semerr.CodeDomainNotOnAllowlist {
		t.Fatalf("got error %+v, want %s", resp.Error, semerr.CodeDomainNotOnAllowlist)
	}
	if called {
		t.Fatal("adapter must not be called for a domain rejected by the allowlist")
	}
}

func TestHandle_AllowlistedDomainDispatchesToAdapter(t *testing.T) {
	var gotPayload json.RawMessage
	adapters := NewRegistry(AdapterFunc(func(ctx context.Context, actionType action.Type, payload json.RawMessage) (json.RawMessage, *semerr.Error) {
		gotPayload = payload
		return json.RawMessage(`{"ok":true}`), nil
	}))
	p := newTestPipeline(t, adapters)
	if err := p.Allowlist.Add("api.example.com", "https", "test fixture"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	req := signedRequest(t, action.TypeServiceAPICall, map[string]string{"url": "https://api.example.com/do"})
	resp := p.Handle(context.Background(), req)

	if resp.Status != ipc.StatusSuccess {
		t.Fatalf("got status %v, want success: %+v", resp.Status, resp.Error)
	}
	if gotPayload == nil {
		t.Fatal("expected the adapter to be called")
	}
}

func TestHandle_RateLimitedRejectsWithoutDispatch(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.Limiter = ratelimit.New(time.Minute, map[string]int{string(action.TypeHealthFetch): 1}, 1000)

	first := signedRequest(t, action.TypeHealthFetch, map[string]string{})
	if resp := p.Handle(context.Background(), first); resp.Status != ipc.StatusSuccess {
		t.Fatalf("first call: got status %v, want success", resp.Status)
	}

	second := signedRequest(t, action.TypeHealthFetch, map[string]string{})
	resp := p.Handle(context.Background(), second)
	if resp.Status != ipc.StatusRejected {
		t.Fatalf("got status %v, want rejected", resp.Status)
	}
	if resp.Error == nil || resp.Error.Code != semerr.CodeRateLimited {
		t.Fatalf("got error %+v, want %s", resp.Error, semerr.CodeRateLimited)
	}
}
