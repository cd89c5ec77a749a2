// Package policystatus collects the two pieces of host policy state the
// heartbeat carries: whether a reboot is pending and when policy was last
// applied. Both are Windows-specific (registry reboot-pending keys, gpresult
// output); every other platform reports a zero Status rather than an error,
// so a heartbeat from a non-Windows agent simply omits the fields.
package policystatus

import "time"

// Status is one point-in-time read of the host's policy state.
type Status struct {
	PendingReboot   bool
	LastPolicyApply *time.Time
}

// Collector samples Status. Implementations must fail open: a probe error
// or an unsupported platform returns a zero Status, never an error, since a
// heartbeat should never be blocked on this.
type Collector interface {
	Collect() Status
}
