package wsagent

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/fluxguard/internal/protocol"
	"github.com/itskum47/fluxguard/internal/server/email"
	"github.com/itskum47/fluxguard/internal/server/registry"
	"github.com/itskum47/fluxguard/internal/server/store"
)

type fakeAlerter struct{ calls int }

func (f *fakeAlerter) RecordHeartbeat(ctx context.Context, deviceID string, cpu, ram, disk, battery float64) error {
	f.calls++
	return nil
}

type fakeDash struct{ events []interface{} }

func (f *fakeDash) Broadcast(payload interface{}) { f.events = append(f.events, payload) }

func startServer(t *testing.T) (string, *store.MemoryStore, *registry.Registry, *fakeDash, *fakeAlerter) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New()
	dash := &fakeDash{}
	alerter := &fakeAlerter{}
	h := New(s, reg, dash, alerter, email.NewLogSender(), "secret")

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?device_id=D1"
	return wsURL, s, reg, dash, alerter
}

func TestWSAgentRejectsBadToken(t *testing.T) {
	wsURL, _, _, _, _ := startServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a valid token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWSAgentRegistersAndHandlesHeartbeat(t *testing.T) {
	wsURL, s, reg, dash, alerter := startServer(t)

	header := map[string][]string{"X-Agent-Token": {"secret"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the server goroutine a moment to register before asserting.
	deadline := time.Now().Add(time.Second)
	for !reg.IsAgentRegistered("D1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !reg.IsAgentRegistered("D1") {
		t.Fatal("expected D1 to be registered")
	}

	level := 80
	env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
		Hostname: "box1", CPUPercent: 12.5, RAMPercent: 40, DiskPercent: 55, BatteryLevel: &level,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(time.Second)
	for alerter.calls == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if alerter.calls == 0 {
		t.Fatal("expected heartbeat to record a metric sample")
	}

	dev, err := s.GetDevice(context.Background(), "D1")
	if err != nil || dev == nil || dev.Hostname != "box1" {
		t.Fatalf("expected device upserted from heartbeat, got %+v", dev)
	}
	if len(dash.events) == 0 {
		t.Fatal("expected a device_update broadcast")
	}
}

func TestWSAgentPersistsDiskScanAndHWReport(t *testing.T) {
	wsURL, s, reg, _, _ := startServer(t)

	header := map[string][]string{"X-Agent-Token": {"secret"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for !reg.IsAgentRegistered("D1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	diskEnv, err := protocol.NewEnvelope(protocol.TypeDiskScan, protocol.DiskScanPayload{
		Details: []map[string]interface{}{{"path": "/", "size": "40.0GB", "total": "100.0GB", "pct": 40}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(diskEnv); err != nil {
		t.Fatal(err)
	}

	hwEnv, err := protocol.NewEnvelope(protocol.TypeHWReport, protocol.HWReportPayload{
		CPUModel: "Test CPU", CPUCores: 8, RAMTotalGB: 16,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(hwEnv); err != nil {
		t.Fatal(err)
	}

	var dev *store.Device
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dev, _ = s.GetDevice(context.Background(), "D1")
		if dev != nil && dev.DiskDetails != "" && dev.HWSnapshot != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if dev == nil {
		t.Fatal("expected device record to exist")
	}
	if !strings.Contains(dev.DiskDetails, "40.0GB") {
		t.Fatalf("expected disk_scan payload persisted on device, got %q", dev.DiskDetails)
	}
	if !strings.Contains(dev.HWSnapshot, "Test CPU") {
		t.Fatalf("expected hw_report payload persisted on device, got %q", dev.HWSnapshot)
	}
}

func TestWSAgentUnregistersAndMarksOfflineOnDisconnect(t *testing.T) {
	wsURL, s, reg, _, _ := startServer(t)
	header := map[string][]string{"X-Agent-Token": {"secret"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for !reg.IsAgentRegistered("D1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(time.Second)
	for reg.IsAgentRegistered("D1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.IsAgentRegistered("D1") {
		t.Fatal("expected D1 to be unregistered after disconnect")
	}

	dev, _ := s.GetDevice(context.Background(), "D1")
	deadline = time.Now().Add(time.Second)
	for dev != nil && dev.Status != store.DeviceOffline && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		dev, _ = s.GetDevice(context.Background(), "D1")
	}
	if dev == nil || dev.Status != store.DeviceOffline {
		t.Fatalf("expected device marked offline after disconnect, got %+v", dev)
	}
}
