package inheritance

import "sync/atomic"

// guard is the process-wide inheritance-mode flag (spec §5): enabled on
// successful activation, disabled only when no non-terminal Activation
// remains. It is a process-wide global rather than Orchestrator state,
// since the guard must short-circuit every action origin, not just ones
// reachable through a particular Orchestrator instance.
var guard atomic.Bool

// GuardEnabled reports whether inheritance mode is currently active.
// While true, the dispatch pipeline must reject any action that did not
// originate from the inheritance executor with
// semerr.CodeDeniedByInheritance.
func GuardEnabled() bool {
	return guard.Load()
}

// EnableGuard activates inheritance mode.
func EnableGuard() {
	guard.Store(true)
}

// DisableGuard deactivates inheritance mode. Callers must only invoke this
// once they've confirmed no non-terminal Activation remains across all
// trusted parties.
func DisableGuard() {
	guard.Store(false)
}
