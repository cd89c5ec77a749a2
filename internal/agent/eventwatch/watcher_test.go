package eventwatch

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/fluxguard/internal/agent/endpoint"
	"github.com/itskum47/fluxguard/internal/agent/state"
	"github.com/itskum47/fluxguard/internal/agent/taskstore"
	"github.com/itskum47/fluxguard/internal/protocol"
	"github.com/itskum47/fluxguard/internal/server/store"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "ip" }
func (a fakeAddr) String() string  { return string(a) }

type fakeSender struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (f *fakeSender) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

type fakeNotifier struct{}

func (fakeNotifier) Notify(string, string) {}

func newSelectorUnderTest(t *testing.T) *endpoint.Selector {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	st := state.Open(filepath.Join(t.TempDir(), "state.json"))
	return endpoint.New([]endpoint.Candidate{
		{Dial: ln.Addr().String(), URL: "ws://" + ln.Addr().String() + "/ws"},
	}, st)
}

func newWatcherUnderTest(t *testing.T) (*Watcher, *taskstore.Store, *fakeSender) {
	t.Helper()
	sel := newSelectorUnderTest(t)
	tasks, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tasks.Close() })

	sender := &fakeSender{}
	w := New(sel, tasks, sender, fakeNotifier{})
	return w, tasks, sender
}

func withInterfaces(w *Watcher, ifaces []net.Interface, addrsByName map[string][]net.Addr) {
	w.interfaces = func() ([]net.Interface, error) { return ifaces, nil }
	w.addrs = func(i net.Interface) ([]net.Addr, error) { return addrsByName[i.Name], nil }
}

func TestFingerprintStableAcrossAddressReordering(t *testing.T) {
	w, _, _ := newWatcherUnderTest(t)
	ifaces := []net.Interface{{Name: "eth0", Flags: net.FlagUp}}

	withInterfaces(w, ifaces, map[string][]net.Addr{
		"eth0": {fakeAddr("10.0.0.5/24"), fakeAddr("fe80::1/64")},
	})
	fp1 := w.fingerprint()

	withInterfaces(w, ifaces, map[string][]net.Addr{
		"eth0": {fakeAddr("fe80::1/64"), fakeAddr("10.0.0.5/24")},
	})
	fp2 := w.fingerprint()

	if fp1 != fp2 {
		t.Fatalf("expected reordered addresses to hash the same, got %q vs %q", fp1, fp2)
	}
}

func TestFingerprintChangesWithDifferentAddress(t *testing.T) {
	w, _, _ := newWatcherUnderTest(t)
	ifaces := []net.Interface{{Name: "eth0", Flags: net.FlagUp}}

	withInterfaces(w, ifaces, map[string][]net.Addr{"eth0": {fakeAddr("10.0.0.5/24")}})
	fp1 := w.fingerprint()

	withInterfaces(w, ifaces, map[string][]net.Addr{"eth0": {fakeAddr("192.168.1.5/24")}})
	fp2 := w.fingerprint()

	if fp1 == fp2 {
		t.Fatal("expected different addresses to produce different fingerprints")
	}
}

func TestFingerprintSkipsLoopbackAndDownInterfaces(t *testing.T) {
	w, _, _ := newWatcherUnderTest(t)
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		{Name: "eth1", Flags: 0},
	}
	withInterfaces(w, ifaces, map[string][]net.Addr{
		"lo":   {fakeAddr("127.0.0.1/8")},
		"eth1": {fakeAddr("10.0.0.9/24")},
	})

	fp := w.fingerprint()

	withInterfaces(w, nil, nil)
	if empty := w.fingerprint(); fp != empty {
		t.Fatal("expected loopback and down interfaces to contribute nothing to the fingerprint")
	}
}

func TestCheckFingerprintChangeForcesReprobeAndRunsEventTasks(t *testing.T) {
	w, tasks, sender := newWatcherUnderTest(t)
	ctx := context.Background()

	if err := tasks.Upsert(ctx, &store.Task{
		TaskID: "EV1", Name: "on network change", ScriptType: store.ScriptBash,
		ScriptBody: "echo hi", TriggerType: store.TriggerEvent, EventTrigger: "network_change",
		TargetType: store.TargetAll, Status: store.TaskPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	ifaces := []net.Interface{{Name: "eth0", Flags: net.FlagUp}}
	withInterfaces(w, ifaces, map[string][]net.Addr{"eth0": {fakeAddr("10.0.0.5/24")}})
	w.last = w.fingerprint()

	withInterfaces(w, ifaces, map[string][]net.Addr{"eth0": {fakeAddr("10.0.0.6/24")}})
	w.checkFingerprint(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sender.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() == 0 {
		t.Fatal("expected the event-triggered task to run and report results")
	}

	// RecordRun runs only after the executor returns, so wait for it.
	var list []*store.Task
	for {
		var err error
		list, err = tasks.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if list[0].LastRun != nil || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if list[0].LastRun == nil {
		t.Fatal("expected RecordRun to stamp last_run after the event task executed")
	}
}

func TestCheckFingerprintNoChangeSkipsEverything(t *testing.T) {
	w, tasks, sender := newWatcherUnderTest(t)
	ctx := context.Background()

	if err := tasks.Upsert(ctx, &store.Task{
		TaskID: "EV2", Name: "on network change", ScriptType: store.ScriptBash,
		ScriptBody: "echo hi", TriggerType: store.TriggerEvent,
		TargetType: store.TargetAll, Status: store.TaskPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	ifaces := []net.Interface{{Name: "eth0", Flags: net.FlagUp}}
	withInterfaces(w, ifaces, map[string][]net.Addr{"eth0": {fakeAddr("10.0.0.5/24")}})
	w.last = w.fingerprint()

	w.checkFingerprint(ctx)
	time.Sleep(50 * time.Millisecond)

	if sender.count() != 0 {
		t.Fatal("expected no task to run when the fingerprint is unchanged")
	}
}

func TestRunEventTasksSkipsCancelledAndNonEventTriggers(t *testing.T) {
	w, tasks, sender := newWatcherUnderTest(t)
	ctx := context.Background()

	if err := tasks.Upsert(ctx, &store.Task{
		TaskID: "EV3", Name: "cancelled", ScriptType: store.ScriptBash, ScriptBody: "echo hi",
		TriggerType: store.TriggerEvent, Cancelled: true, TargetType: store.TargetAll,
		Status: store.TaskPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := tasks.Upsert(ctx, &store.Task{
		TaskID: "EV4", Name: "interval, not event", ScriptType: store.ScriptBash, ScriptBody: "echo hi",
		TriggerType: store.TriggerInterval, IntervalSeconds: 60, TargetType: store.TargetAll,
		Status: store.TaskPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	w.runEventTasks(ctx)
	time.Sleep(100 * time.Millisecond)

	if sender.count() != 0 {
		t.Fatalf("expected neither cancelled nor non-event task to run, got %d sends", sender.count())
	}
}
