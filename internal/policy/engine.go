package policy

import (
	"fmt"
	"sync"
)

// AutonomyConfig maps domain -> tier, with a default tier for domains not
// explicitly overridden. Core exclusively owns this type (spec §3).
type AutonomyConfig struct {
	DefaultTier     Tier
	DomainOverrides map[string]Tier
}

// TierFor returns the effective tier for domain.
func (c AutonomyConfig) TierFor(domain string) Tier {
	if t, ok := c.DomainOverrides[domain]; ok {
		return t
	}
	return c.DefaultTier
}

// ConfigProvider supplies the currently active AutonomyConfig via a narrow
// dependency-injection interface instead of the Engine owning config
// mutation directly.
type ConfigProvider interface {
	AutonomyConfig() AutonomyConfig
}

// PatternProvider is consulted for the escalation rule (step 4): it reports
// whether an (actionType, subType) pair has accumulated enough consecutive
// approvals to be treated as routine. Backed by internal/approvals.Tracker.
type PatternProvider interface {
	IsRoutine(actionType, subType string) (bool, error)
}

// domainTable maps actionType -> domain (spec §4.3 step 1). Built once;
// additions are additive, matching the ActionType enum's own growth rule.
var domainTable = map[string]string{
	"email.fetch":                "email",
	"email.send":                 "email",
	"email.draft":                "email",
	"email.archive":              "email",
	"email.move":                 "email",
	"email.markRead":             "email",
	"calendar.fetch":             "calendar",
	"calendar.create":            "calendar",
	"calendar.update":            "calendar",
	"calendar.delete":            "calendar",
	"finance.fetch_transactions": "finances",
	"health.fetch":                "health",
	"service.api_call":            "services",
	"web.search":                  "services",
	"network.startDiscovery":      "services",
	"network.stopDiscovery":       "services",
	"model.download":              "services",
	"inheritance.test-run":        "services",
}

// capabilityTable maps actionType -> its Capability classification, used to
// consult the frozen per-tier matrix.
var capabilityTable = map[string]Capability{
	"email.fetch":                CapabilityRead,
	"calendar.fetch":             CapabilityRead,
	"finance.fetch_transactions": CapabilityRead,
	"health.fetch":               CapabilityRead,
	"web.search":                 CapabilityRead,

	"email.draft":     CapabilityDraftCreate,
	"calendar.create": CapabilityDraftCreate,
	"calendar.update": CapabilityDraftCreate,
	"email.archive":   CapabilityDraftCreate,
	"email.move":      CapabilityDraftCreate,
	"email.markRead":  CapabilityDraftCreate,
	"model.download":  CapabilityDraftCreate,

	"email.send":             CapabilitySendExternal,
	"calendar.delete":        CapabilitySendExternal,
	"service.api_call":       CapabilitySendExternal,
	"network.startDiscovery": CapabilitySendExternal,
	"network.stopDiscovery":  CapabilitySendExternal,
	"inheritance.test-run":   CapabilitySendExternal,
}

// noEscalationActions is never downgraded by the consecutive-approval
// escalation rule, regardless of pattern history (spec §4.3 step 4
// explicit exception).
var noEscalationActions = map[string]bool{
	"email.send": true,
}

// matrix is the frozen per-tier capability matrix (spec §4.3 step 3).
func matrix(tier Tier, cap Capability, actionType string) Decision {
	switch tier {
	case TierGuardian:
		return DecisionRequireApproval
	case TierPartner:
		if cap == CapabilitySendExternal {
			return DecisionRequireApproval
		}
		return DecisionAutoApprove
	case TierAlterEgo:
		if actionType == "email.send" {
			return DecisionRequireApproval
		}
		return DecisionAutoApprove
	default:
		return DecisionDeny
	}
}

// TierChangeFunc is invoked synchronously whenever a domain's tier is
// mutated through SetDomainTier.
type TierChangeFunc func(domain string, tier Tier)

// Engine evaluates policy against the currently loaded AutonomyConfig.
type Engine struct {
	config   ConfigProvider
	patterns PatternProvider

	mu        sync.Mutex
	listeners []TierChangeFunc
}

// New returns a new Engine backed by the provided config and pattern
// providers.
func New(config ConfigProvider, patterns PatternProvider) *Engine {
	return &Engine{config: config, patterns: patterns}
}

// OnTierChange registers fn to be called whenever SetDomainTier mutates a
// domain's tier. This is the explicit listener registry design note
// (spec §9): no bidirectional ownership between Engine and its observers.
func (e *Engine) OnTierChange(fn TierChangeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// notifyTierChange invokes every registered listener synchronously.
func (e *Engine) notifyTierChange(domain string, tier Tier) {
	e.mu.Lock()
	listeners := make([]TierChangeFunc, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(domain, tier)
	}
}

// Evaluate runs the decision procedure of spec §4.3 for actionType against
// payload (used only to derive the escalation subType).
func (e *Engine) Evaluate(actionType string, subType string) (Result, error) {
	domain, ok := domainTable[actionType]
	if !ok {
		return Result{Decision: DecisionDeny, MatchedRule: "<unknown-action>", Reason: fmt.Sprintf("no domain mapping for action %q", actionType)}, nil
	}

	cap, ok := capabilityTable[actionType]
	if !ok {
		return Result{Decision: DecisionDeny, MatchedRule: "<unknown-capability>", Reason: fmt.Sprintf("no capability classification for action %q", actionType)}, nil
	}

	cfg := e.config.AutonomyConfig()
	tier := cfg.TierFor(domain)

	decision := matrix(tier, cap, actionType)
	if decision != DecisionRequireApproval {
		return Result{Decision: decision, MatchedRule: fmt.Sprintf("%s/%s", tier, capabilityName(cap))}, nil
	}

	if noEscalationActions[actionType] {
		return Result{Decision: DecisionRequireApproval, MatchedRule: fmt.Sprintf("%s/%s", tier, capabilityName(cap)), Reason: "escalation never applies to this action"}, nil
	}

	if e.patterns != nil {
		routine, err := e.patterns.IsRoutine(actionType, subType)
		if err != nil {
			return Result{}, fmt.Errorf("policy: check pattern: %w", err)
		}
		if routine {
			return Result{Decision: DecisionAutoApprove, MatchedRule: "escalation", Reason: fmt.Sprintf("consecutive approvals for (%s,%s) reached threshold", actionType, subType)}, nil
		}
	}

	return Result{Decision: DecisionRequireApproval, MatchedRule: fmt.Sprintf("%s/%s", tier, capabilityName(cap))}, nil
}

// NotifyTierChange is called by whatever owns the mutable AutonomyConfig
// after it applies a domain's tier change, so registered listeners observe
// the mutation. The Engine itself never mutates config — it only evaluates
// against whatever ConfigProvider currently reports.
func (e *Engine) NotifyTierChange(domain string, tier Tier) {
	e.notifyTierChange(domain, tier)
}

func capabilityName(c Capability) string {
	switch c {
	case CapabilityRead:
		return "read"
	case CapabilityDraftCreate:
		return "draft_create"
	case CapabilitySendExternal:
		return "send_external"
	default:
		return "unknown"
	}
}
