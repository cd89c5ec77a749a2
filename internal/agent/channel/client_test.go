package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/fluxguard/internal/agent/endpoint"
	"github.com/itskum47/fluxguard/internal/agent/state"
	"github.com/itskum47/fluxguard/internal/agent/taskstore"
	"github.com/itskum47/fluxguard/internal/protocol"
)

type fakeTelemetry struct {
	battery  int
	charging bool
}

func (f fakeTelemetry) Sample() Sample {
	b := f.battery
	return Sample{
		Hostname: "agent1", Platform: "linux", OSInfo: "test", IPAddress: "10.0.0.1",
		AgentVersion: "1.0", CPUPercent: 10, RAMPercent: 20, DiskPercent: 30,
		BatteryLevel: &b, BatteryCharging: f.charging,
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Notify(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, title)
}

// fakeServer accepts a single channel connection and hands it back on
// connCh, recording the auth token it was dialed with.
type fakeServer struct {
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
	tokenCh  chan string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		connCh:   make(chan *websocket.Conn, 4),
		tokenCh:  make(chan string, 4),
	}
}

func (fs *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.tokenCh <- r.Header.Get("X-Agent-Token")
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.connCh <- conn
}

func newClientUnderTest(t *testing.T, wsURL, dial, token string, tele Telemetry) *Client {
	t.Helper()
	st := state.Open(filepath.Join(t.TempDir(), "state.json"))
	sel := endpoint.New([]endpoint.Candidate{{Dial: dial, URL: wsURL}}, st)
	tasks, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tasks.Close() })
	return New(st, sel, tasks, tele, token, &fakeNotifier{})
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("expected to read an envelope: %v", err)
	}
	return env
}

func TestClientConnectsAndSendsInitialHeartbeat(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := strings.TrimPrefix(srv.URL, "http://")

	c := newClientUnderTest(t, wsURL, dial, "secret", fakeTelemetry{battery: 80, charging: true})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	select {
	case token := <-fs.tokenCh:
		if token != "secret" {
			t.Fatalf("expected token 'secret', got %q", token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a connection")
	}

	var conn *websocket.Conn
	select {
	case conn = <-fs.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received an upgraded connection")
	}
	defer conn.Close()

	env := readEnvelope(t, conn, 2*time.Second)
	if env.Type != protocol.TypeHeartbeat {
		t.Fatalf("expected first message to be a heartbeat, got %q", env.Type)
	}
}

func TestClientRunsDispatchedTaskAndReportsResult(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := strings.TrimPrefix(srv.URL, "http://")

	c := newClientUnderTest(t, wsURL, dial, "secret", fakeTelemetry{battery: 80, charging: true})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-fs.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received an upgraded connection")
	}
	defer conn.Close()

	readEnvelope(t, conn, 2*time.Second) // initial heartbeat

	runEnv, err := protocol.NewEnvelope(protocol.TypeRunTask, protocol.RunTaskPayload{
		TaskID: "T1", Name: "echo test", ScriptType: "bash", ScriptBody: "echo hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(runEnv); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn, 5*time.Second)
		if env.Type == protocol.TypeTaskResult {
			var p protocol.TaskResultPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				t.Fatal(err)
			}
			if p.TaskID != "T1" || p.ExitCode != 0 {
				t.Fatalf("expected successful result for T1, got %+v", p)
			}
			return
		}
	}
	t.Fatal("never observed a task_result for the dispatched task")
}

func TestHandleScheduleAndCancelTaskPersist(t *testing.T) {
	c := newClientUnderTest(t, "ws://unused/ws", "unused:0", "secret", fakeTelemetry{battery: 50})

	env, err := protocol.NewEnvelope(protocol.TypeScheduleTask, protocol.ScheduleTaskPayload{
		TaskID: "T9", Name: "recurring", ScriptType: "bash", ScriptBody: "echo hi",
		TriggerType: "interval", IntervalSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	c.dispatch(env)

	list, err := c.tasks.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].TaskID != "T9" {
		t.Fatalf("expected scheduled task cached, got %+v", list)
	}

	cancelEnv, err := protocol.NewEnvelope(protocol.TypeCancelTask, protocol.CancelTaskPayload{TaskID: "T9"})
	if err != nil {
		t.Fatal(err)
	}
	c.dispatch(cancelEnv)

	list, _ = c.tasks.List(context.Background())
	if !list[0].Cancelled {
		t.Fatal("expected task T9 marked cancelled")
	}
}

func TestDiskScanRequestRepliesWithDiskScan(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := strings.TrimPrefix(srv.URL, "http://")
	c := newClientUnderTest(t, wsURL, dial, "secret", fakeTelemetry{battery: 80, charging: true})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-fs.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received an upgraded connection")
	}
	defer conn.Close()
	readEnvelope(t, conn, 2*time.Second) // initial heartbeat

	reqEnv, err := protocol.NewEnvelope(protocol.TypeDiskScanRequest, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(reqEnv); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn, 5*time.Second)
		if env.Type == protocol.TypeDiskScan {
			var p protocol.DiskScanPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				t.Fatal(err)
			}
			return
		}
	}
	t.Fatal("never observed a disk_scan reply")
}

func TestGetProcessesRepliesWithProcessList(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := strings.TrimPrefix(srv.URL, "http://")
	c := newClientUnderTest(t, wsURL, dial, "secret", fakeTelemetry{battery: 80, charging: true})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-fs.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received an upgraded connection")
	}
	defer conn.Close()
	readEnvelope(t, conn, 2*time.Second) // initial heartbeat

	reqEnv, err := protocol.NewEnvelope(protocol.TypeGetProcesses, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(reqEnv); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn, 5*time.Second)
		if env.Type == protocol.TypeProcessList {
			var procs []protocol.ProcessInfo
			if err := json.Unmarshal(env.Data, &procs); err != nil {
				t.Fatal(err)
			}
			if len(procs) == 0 {
				t.Fatal("expected at least one running process on the test host")
			}
			return
		}
	}
	t.Fatal("never observed a process_list reply")
}

func TestHandleKillProcessIgnoresNonPositivePID(t *testing.T) {
	c := newClientUnderTest(t, "ws://unused/ws", "unused:0", "secret", fakeTelemetry{battery: 50})

	env, err := protocol.NewEnvelope(protocol.TypeKillProcess, protocol.KillProcessPayload{PID: 0})
	if err != nil {
		t.Fatal(err)
	}
	c.dispatch(env) // must not panic or attempt to kill anything
}

func TestHandleQuickActionIgnoresUnknownAction(t *testing.T) {
	c := newClientUnderTest(t, "ws://unused/ws", "unused:0", "secret", fakeTelemetry{battery: 50})

	env, err := protocol.NewEnvelope(protocol.TypeQuickAction, protocol.QuickActionPayload{Action: "not-a-real-action"})
	if err != nil {
		t.Fatal(err)
	}
	c.dispatch(env)
	time.Sleep(50 * time.Millisecond) // let the goroutine observe the unknown action and return
}

func TestHWScanReportsCoresAndRAM(t *testing.T) {
	hw := hwScan()
	if hw.CPUCores <= 0 {
		t.Fatalf("expected at least one CPU core reported, got %+v", hw)
	}
	if hw.RAMTotalGB <= 0 {
		t.Fatalf("expected a positive RAM total, got %+v", hw)
	}
}

func TestHandleUpdatePolicyMergesNonZeroFields(t *testing.T) {
	c := newClientUnderTest(t, "ws://unused/ws", "unused:0", "secret", fakeTelemetry{battery: 50})

	env, err := protocol.NewEnvelope(protocol.TypeUpdatePolicy, protocol.PacingPolicy{
		PluggedSeconds: 15,
	})
	if err != nil {
		t.Fatal(err)
	}
	c.dispatch(env)

	c.policyMu.Lock()
	got := c.policy
	c.policyMu.Unlock()

	if got.PluggedSeconds != 15 {
		t.Fatalf("expected PluggedSeconds merged to 15, got %+v", got)
	}
	if got.Battery100To80 != protocol.DefaultPacingPolicy().Battery100To80 {
		t.Fatalf("expected untouched fields to keep their default, got %+v", got)
	}
}
