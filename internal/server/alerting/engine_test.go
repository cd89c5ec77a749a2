package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/fluxguard/internal/server/email"
	"github.com/itskum47/fluxguard/internal/server/store"
)

type fakeRegistry struct{ registered map[string]bool }

func (f fakeRegistry) IsAgentRegistered(id string) bool { return f.registered[id] }

func seedViolatingDevice(t *testing.T, s *store.MemoryStore, ctx context.Context) {
	t.Helper()
	if err := s.UpsertDevice(ctx, &store.Device{
		DeviceID: "D1", Hostname: "box1", Status: store.DeviceOnline, LastSeen: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertMetricSample(ctx, &store.MetricSample{
		DeviceID: "D1", RecordedAt: time.Now().UTC(), CPU: 97,
	}); err != nil {
		t.Fatal(err)
	}
	s.PutRule(&store.AlertRule{
		ID: "R1", Name: "high-cpu", Metric: store.MetricCPU, Operator: store.OpGT,
		Threshold: 90, TargetType: store.TargetAll, Action: store.ActionLog, Active: true,
	})
}

func TestEngineFiresRuleForViolatingOnlineDevice(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedViolatingDevice(t, s, ctx)

	eng := New(s, fakeRegistry{registered: map[string]bool{"D1": true}}, email.NewLogSender())
	eng.tick(ctx)

	rules, _ := s.ListActiveAlertRules(ctx)
	if rules[0].LastFired == nil {
		t.Fatal("expected last_fired to be set after a triggering tick")
	}
}

func TestEngineThrottlesWithinHour(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedViolatingDevice(t, s, ctx)

	eng := New(s, fakeRegistry{registered: map[string]bool{"D1": true}}, email.NewLogSender())
	eng.tick(ctx)

	rulesAfterFirst, _ := s.ListActiveAlertRules(ctx)
	firstFired := *rulesAfterFirst[0].LastFired

	// Same violating metric on an immediate second tick: throttle window
	// (1h) must suppress a refire.
	eng.tick(ctx)

	rulesAfterSecond, _ := s.ListActiveAlertRules(ctx)
	if !rulesAfterSecond[0].LastFired.Equal(firstFired) {
		t.Fatal("rule refired within the throttle window")
	}
}

func TestEngineSkipsUnregisteredDevice(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedViolatingDevice(t, s, ctx)

	eng := New(s, fakeRegistry{registered: map[string]bool{}}, email.NewLogSender())
	eng.tick(ctx)

	rules, _ := s.ListActiveAlertRules(ctx)
	if rules[0].LastFired != nil {
		t.Fatal("rule must not fire for a device with no live channel")
	}
}

func TestEngineSkipsOfflineDevice(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedViolatingDevice(t, s, ctx)
	s.MarkDeviceStatus(ctx, "D1", store.DeviceOffline, time.Now().UTC())

	eng := New(s, fakeRegistry{registered: map[string]bool{"D1": true}}, email.NewLogSender())
	eng.tick(ctx)

	rules, _ := s.ListActiveAlertRules(ctx)
	if rules[0].LastFired != nil {
		t.Fatal("rule must not fire for an offline device")
	}
}
