// Package action validates and signs ActionRequests at the boundary
// between Core and Gateway.
package action

// Type is the closed enum of action kinds an Orchestrator may request.
// New members are added here as additive consts; existing members are
// never removed or renamed, per spec.
type Type string

const (
	TypeEmailFetch             Type = "email.fetch"
	TypeEmailSend              Type = "email.send"
	TypeEmailDraft             Type = "email.draft"
	TypeEmailArchive           Type = "email.archive"
	TypeEmailMove              Type = "email.move"
	TypeEmailMarkRead          Type = "email.markRead"
	TypeCalendarFetch          Type = "calendar.fetch"
	TypeCalendarCreate         Type = "calendar.create"
	TypeCalendarUpdate         Type = "calendar.update"
	TypeCalendarDelete         Type = "calendar.delete"
	TypeFinanceFetchTransactions Type = "finance.fetch_transactions"
	TypeHealthFetch            Type = "health.fetch"
	TypeServiceAPICall         Type = "service.api_call"
	TypeWebSearch              Type = "web.search"
	TypeNetworkStartDiscovery  Type = "network.startDiscovery"
	TypeNetworkStopDiscovery   Type = "network.stopDiscovery"
	TypeModelDownload          Type = "model.download"
	TypeInheritanceTestRun     Type = "inheritance.test-run"
)

// validTypes is built once and consulted by Valid; a set rather than a
// switch so the schema document (schema.json) and this list can be
// cross-checked by eye against spec §6.2.
var validTypes = map[Type]bool{
	TypeEmailFetch:               true,
	TypeEmailSend:                true,
	TypeEmailDraft:               true,
	TypeEmailArchive:             true,
	TypeEmailMove:                true,
	TypeEmailMarkRead:            true,
	TypeCalendarFetch:            true,
	TypeCalendarCreate:           true,
	TypeCalendarUpdate:           true,
	TypeCalendarDelete:           true,
	TypeFinanceFetchTransactions: true,
	TypeHealthFetch:              true,
	TypeServiceAPICall:           true,
	TypeWebSearch:                true,
	TypeNetworkStartDiscovery:    true,
	TypeNetworkStopDiscovery:     true,
	TypeModelDownload:            true,
	TypeInheritanceTestRun:       true,
}

// Valid reports whether t is a member of the closed enum.
func Valid(t Type) bool {
	return validTypes[t]
}

// Domain maps an action type to the policy domain spec §4.3 tiers are
// configured per. Unrecognised types have no domain and must be rejected
// before reaching this mapping.
func (t Type) Domain() string {
	switch t {
	case TypeEmailFetch, TypeEmailSend, TypeEmailDraft, TypeEmailArchive, TypeEmailMove, TypeEmailMarkRead:
		return "email"
	case TypeCalendarFetch, TypeCalendarCreate, TypeCalendarUpdate, TypeCalendarDelete:
		return "calendar"
	case TypeFinanceFetchTransactions:
		return "finance"
	case TypeHealthFetch:
		return "health"
	case TypeServiceAPICall:
		return "service"
	case TypeWebSearch:
		return "web"
	case TypeNetworkStartDiscovery, TypeNetworkStopDiscovery:
		return "network"
	case TypeModelDownload:
		return "model"
	case TypeInheritanceTestRun:
		return "inheritance"
	default:
		return ""
	}
}
