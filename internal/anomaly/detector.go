// Package anomaly flags suspicious but not necessarily malicious request
// patterns for Gateway's dispatch pipeline (spec §4.5). Detector never
// blocks a request itself; it returns a set of signal names that callers
// attach to the audit entry and/or route to additional approval.
package anomaly

import (
	"sync"
	"time"

	"github.com/semblance-ai/semblance/internal/ratelimit"
)

const (
	// burstKey is the single sliding-window bucket every request is
	// recorded against, regardless of actionType or domain. Deliberately
	// distinct from ratelimit's own global-bucket key so a single Allow
	// call doesn't record the same event against itself twice.
	burstKey = "burst"

	// DefaultBurstWindow and DefaultBurstLimit define what counts as a
	// burst of activity across the whole Gateway.
	DefaultBurstWindow = 10 * time.Second
	DefaultBurstLimit  = 15

	// DefaultLargePayloadBytes is the payload size past which a request
	// is flagged, independent of whether it was otherwise allowed.
	DefaultLargePayloadBytes = 256 * 1024

	SignalBurst        = "burst"
	SignalNewDomain    = "new_domain"
	SignalLargePayload = "large_payload"
)

// Config tunes Detector's thresholds. Zero values take the package
// defaults.
type Config struct {
	BurstWindow       time.Duration
	BurstLimit        int
	LargePayloadBytes int
}

// Detector tracks burst activity and previously-seen domains in memory.
// It is intentionally not persisted: anomaly signals are a best-effort
// soft signal for the current process's lifetime, not an audit-grade
// record (that's internal/audit's job).
type Detector struct {
	burst             *ratelimit.Limiter
	largePayloadBytes int

	mu         sync.Mutex
	seenDomain map[string]bool
}

// New returns a Detector configured per cfg, applying defaults for any
// zero field.
func New(cfg Config) *Detector {
	window := cfg.BurstWindow
	if window <= 0 {
		window = DefaultBurstWindow
	}
	limit := cfg.BurstLimit
	if limit <= 0 {
		limit = DefaultBurstLimit
	}
	largePayload := cfg.LargePayloadBytes
	if largePayload <= 0 {
		largePayload = DefaultLargePayloadBytes
	}

	return &Detector{
		burst:             ratelimit.New(window, map[string]int{burstKey: limit}, limit),
		largePayloadBytes: largePayload,
		seenDomain:        make(map[string]bool),
	}
}

// Check records one request for domain with the given payload size and
// returns every anomaly signal it triggers. An empty domain is treated
// as "not applicable" and never produces SignalNewDomain.
func (d *Detector) Check(domain string, payloadBytes int) []string {
	var signals []string

	if !d.burst.Allow(burstKey) {
		signals = append(signals, SignalBurst)
	}

	if domain != "" && d.recordDomainLocked(domain) {
		signals = append(signals, SignalNewDomain)
	}

	if payloadBytes > d.largePayloadBytes {
		signals = append(signals, SignalLargePayload)
	}

	return signals
}

// recordDomainLocked returns true the first time domain is seen.
func (d *Detector) recordDomainLocked(domain string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seenDomain[domain] {
		return false
	}
	d.seenDomain[domain] = true
	return true
}
