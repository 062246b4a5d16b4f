package train

import (
	"fmt"
	"sync"
)

// GuardMode is a transfer-guard policy.
type GuardMode int

const (
	// GuardAllow permits host-device transfers.
	GuardAllow GuardMode = iota
	// GuardDisallow rejects implicit host-device transfers. Active for
	// the whole loop body to catch accidental synchronous blocking
	// operations; explicit transfers opt in with a GuardAllow scope.
	GuardDisallow
)

// String renders the mode name.
func (m GuardMode) String() string {
	switch m {
	case GuardAllow:
		return "allow"
	case GuardDisallow:
		return "disallow"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// TransferGuard is the process-wide policy for host-device data
// movement. Violating an active disallow scope is a hard failure so
// that any blocking transfer requires explicit opt-in.
//
// Scopes nest: each Scope call returns a release function restoring
// the previous mode, and releases must run on every exit path.
type TransferGuard struct {
	mu   sync.Mutex
	mode GuardMode
}

// NewTransferGuard creates a guard in allow mode.
func NewTransferGuard() *TransferGuard {
	return &TransferGuard{mode: GuardAllow}
}

// Mode returns the currently active policy.
func (g *TransferGuard) Mode() GuardMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Scope switches the guard to mode and returns a release function
// restoring the previous mode. The release is idempotent.
func (g *TransferGuard) Scope(mode GuardMode) func() {
	g.mu.Lock()
	prev := g.mode
	g.mode = mode
	g.mu.Unlock()

	released := false
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if released {
			return
		}
		released = true
		g.mode = prev
	}
}

// Check fails if op would perform a transfer under an active disallow
// scope. Components performing intentional transfers wrap them in a
// GuardAllow scope instead of bypassing the check.
func (g *TransferGuard) Check(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode == GuardDisallow {
		return fmt.Errorf("transfer guard: implicit host-device transfer %q under disallow policy", op)
	}
	return nil
}
