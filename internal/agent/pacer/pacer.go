// Package pacer implements a pure function from power state to the
// agent's heartbeat interval.
package pacer

import "github.com/itskum47/fluxguard/internal/protocol"

// Interval computes the check-in interval in seconds from battery percent
// and charging state, using policy's pacing table. A nil battery percent
// or charging=true both resolve to the plugged-in interval.
// Never interpolates between bands.
func Interval(policy protocol.PacingPolicy, batteryPercent *int, charging bool) int {
	if charging || batteryPercent == nil {
		return policy.PluggedSeconds
	}

	p := *batteryPercent
	switch {
	case p >= 80:
		return policy.Battery100To80
	case p >= 50:
		return policy.Battery79To50
	case p >= 20:
		return policy.Battery49To20
	case p >= 10:
		return policy.Battery19To10
	default:
		return policy.Battery9To0
	}
}
