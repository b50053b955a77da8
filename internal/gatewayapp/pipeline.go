package gatewayapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/semblance-ai/semblance/common/ipc"
	"github.com/semblance-ai/semblance/internal/action"
	"github.com/semblance-ai/semblance/internal/allowlist"
	"github.com/semblance-ai/semblance/internal/anomaly"
	"github.com/semblance-ai/semblance/internal/audit"
	"github.com/semblance-ai/semblance/internal/ratelimit"
	"github.com/semblance-ai/semblance/internal/semerr"
)

// networkGated is the set of action types whose payload carries an
// outbound URL that must be checked against the allowlist before an
// adapter is ever invoked (spec.md §4.5/§4.6). Actions outside this set
// either never leave the device (network.startDiscovery/stopDiscovery is
// local link discovery) or are handled entirely by an out-of-scope
// external collaborator (email/calendar/finance/health/web.search,
// spec.md §1).
var networkGated = map[action.Type]bool{
	action.TypeServiceAPICall: true,
	action.TypeModelDownload:  true,
}

// Pipeline is the Gateway-side dispatch loop: every Request that reaches
// Handle passes through validate -> rate limit -> allowlist -> anomaly ->
// adapter -> audit, in that fixed order (spec.md §4.5/§4.6), with every
// outcome audited either through reject or through the paired append calls
// on the success path, so no path skips the append.
type Pipeline struct {
	Limiter    *ratelimit.Limiter
	Allowlist  *allowlist.Store
	Anomaly    *anomaly.Detector
	Audit      *audit.Store
	Adapters   *Registry
	SigningKey []byte
}

// Handle implements common/ipc.Handler: it is the function a Gateway
// common/ipc.Server is constructed with.
func (p *Pipeline) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	now := time.Now()

	raw, err := ipc.EncodeRequest(req)
	if err != nil {
		return p.reject(req, now, semerr.New(semerr.CodeSchemaViolation, "request could not be re-encoded for validation"))
	}
	if _, err := action.Validate(p.SigningKey, raw); err != nil {
		if ve, ok := err.(*action.ValidationError); ok {
			return p.reject(req, now, semerr.New(ve.Code, ve.Message))
		}
		return p.reject(req, now, semerr.Wrap(semerr.CodeSchemaViolation, err.Error(), err))
	}
	actionType := action.Type(req.Action)

	if !p.Limiter.Allow(req.Action) {
		retryMs := p.Limiter.RetryAfter(req.Action).Milliseconds()
		return p.reject(req, now, semerr.New(semerr.CodeRateLimited, fmt.Sprintf("retry after %dms", retryMs)))
	}

	var signals []string
	if networkGated[actionType] {
		domain, protocol, ok := targetDomain(req.Payload)
		if !ok {
			return p.reject(req, now, semerr.New(semerr.CodeSchemaViolation, fmt.Sprintf("%s: payload.url is required", actionType)))
		}
		allowed, err := p.Allowlist.Contains(domain, protocol)
		if err != nil {
			return p.reject(req, now, semerr.Wrap(semerr.CodeDomainNotOnAllowlist, "allowlist lookup failed", err))
		}
		if !allowed {
			return p.reject(req, now, semerr.New(semerr.CodeDomainNotOnAllowlist, fmt.Sprintf("%s is not on the allowlist", domain)))
		}
		signals = p.Anomaly.Check(domain, len(req.Payload))
	} else {
		signals = p.Anomaly.Check("", len(req.Payload))
	}

	adapter := p.Adapters.Resolve(actionType)
	data, callErr := adapter.Call(ctx, actionType, req.Payload)
	if callErr != nil {
		return p.reject(req, now, callErr)
	}

	metadata := map[string]interface{}{}
	if len(signals) > 0 {
		metadata["anomalySignals"] = signals
	}
	p.append(req, now, audit.DirectionRequest, "success", metadata)
	auditRef := p.append(req, now, audit.DirectionResponse, "success", metadata)

	return ipc.Response{
		RequestID: req.ID,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Status:    ipc.StatusSuccess,
		Data:      data,
		AuditRef:  auditRef,
	}
}

// reject records the rejection as a single audit entry and returns the
// corresponding error Response. This is the one path every failure in
// Handle funnels through, so "Gateway never swallows an error silently"
// (spec.md §7) holds by construction.
func (p *Pipeline) reject(req ipc.Request, now time.Time, semErr *semerr.Error) ipc.Response {
	status := ipc.StatusRejected
	if semErr.Kind == semerr.KindAdapter || semErr.Kind == semerr.KindTransport {
		status = ipc.StatusError
	}

	auditRef := p.append(req, now, audit.DirectionRequest, string(status), map[string]interface{}{"reason": semErr.Code})

	return ipc.Response{
		RequestID: req.ID,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Status:    status,
		Error:     &ipc.ResponseError{Code: semErr.Code, Message: semErr.Message},
		AuditRef:  auditRef,
	}
}

// append writes one audit_trail row keyed to req's requestId and returns
// the new row's own id — the value handed back to Core as AuditRef so a
// dispute can be traced to this exact row, request or response.
func (p *Pipeline) append(req ipc.Request, now time.Time, dir audit.Direction, status string, metadata map[string]interface{}) string {
	id := uuid.NewString()
	entry := audit.Entry{
		RequestID: req.ID,
		Timestamp: now,
		Action:    req.Action,
		Direction: dir,
		Status:    status,
		Payload:   json.RawMessage(req.Payload),
		Signature: req.Signature,
		Metadata:  metadata,
	}
	_, _ = p.Audit.Append(id, entry)
	return id
}

// targetDomain extracts the hostname and scheme an action's payload would
// contact, from its "url" field, for allowlist consultation.
func targetDomain(payload json.RawMessage) (domain string, protocol string, ok bool) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(payload, &in); err != nil || in.URL == "" {
		return "", "", false
	}
	u, err := url.Parse(in.URL)
	if err != nil || u.Hostname() == "" {
		return "", "", false
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return u.Hostname(), scheme, true
}
