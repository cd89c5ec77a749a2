package pacer

import (
	"testing"

	"github.com/itskum47/fluxguard/internal/protocol"
)

func ip(v int) *int { return &v }

func TestIntervalChargingAlwaysPlugged(t *testing.T) {
	p := protocol.DefaultPacingPolicy()
	if got := Interval(p, ip(5), true); got != p.PluggedSeconds {
		t.Fatalf("expected plugged interval when charging, got %d", got)
	}
}

func TestIntervalUnknownBatteryIsPlugged(t *testing.T) {
	p := protocol.DefaultPacingPolicy()
	if got := Interval(p, nil, false); got != p.PluggedSeconds {
		t.Fatalf("expected plugged interval when battery unknown, got %d", got)
	}
}

func TestIntervalBands(t *testing.T) {
	p := protocol.DefaultPacingPolicy()
	cases := []struct {
		pct  int
		want int
	}{
		{100, p.Battery100To80},
		{80, p.Battery100To80},
		{79, p.Battery79To50},
		{50, p.Battery79To50},
		{49, p.Battery49To20},
		{20, p.Battery49To20},
		{19, p.Battery19To10},
		{10, p.Battery19To10},
		{9, p.Battery9To0},
		{0, p.Battery9To0},
	}
	for _, c := range cases {
		if got := Interval(p, ip(c.pct), false); got != c.want {
			t.Fatalf("battery=%d: expected %d, got %d", c.pct, c.want, got)
		}
	}
}
