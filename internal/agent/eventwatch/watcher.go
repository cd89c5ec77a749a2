// Package eventwatch notices when the host moves to a different network and
// reacts to it: it forces an endpoint reprobe and runs any cached task whose
// trigger is "event". Grounded on the fsnotify setup/select-loop shape used
// elsewhere in the retrieval pack for watching a small set of paths, combined
// with a periodic ticker running alongside the watch loop in the same
// goroutine for the slower fingerprint poll.
package eventwatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/itskum47/fluxguard/internal/agent/endpoint"
	"github.com/itskum47/fluxguard/internal/agent/executor"
	"github.com/itskum47/fluxguard/internal/agent/taskstore"
	"github.com/itskum47/fluxguard/internal/server/store"
)

// pollInterval bounds how often the fingerprint is recomputed when fsnotify
// stays quiet. A var rather than a const so tests can shrink it.
var pollInterval = 15 * time.Second

// resolvConfPath is watched as a fast path: most network changes on a
// managed host rewrite it before DHCP or the interface table settles.
const resolvConfPath = "/etc/resolv.conf"

// Watcher samples the host's network fingerprint on a fixed interval and
// fast-paths on changes to resolvConfPath. Any fingerprint change forces the
// endpoint selector to reprobe and runs every cached, non-cancelled
// event-triggered task.
type Watcher struct {
	sel      *endpoint.Selector
	tasks    *taskstore.Store
	sender   executor.Sender
	notifier executor.Notifier

	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)

	last string
}

func New(sel *endpoint.Selector, tasks *taskstore.Store, sender executor.Sender, notifier executor.Notifier) *Watcher {
	return &Watcher{
		sel: sel, tasks: tasks, sender: sender, notifier: notifier,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

// Run blocks until ctx is cancelled, watching resolvConfPath and polling the
// fingerprint every pollInterval. If the platform's fsnotify backend can't be
// initialized, it falls back to polling alone rather than failing to start.
func (w *Watcher) Run(ctx context.Context) {
	w.last = w.fingerprint()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("eventwatch: fsnotify unavailable, polling only: %v", err)
		w.pollLoop(ctx)
		return
	}
	defer fsw.Close()
	if err := fsw.Add(resolvConfPath); err != nil {
		log.Printf("eventwatch: failed to watch %s: %v", resolvConfPath, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkFingerprint(ctx)
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.checkFingerprint(ctx)
		case werr, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Printf("eventwatch: watcher error: %v", werr)
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkFingerprint(ctx)
		}
	}
}

func (w *Watcher) checkFingerprint(ctx context.Context) {
	fp := w.fingerprint()
	if fp == w.last {
		return
	}
	log.Printf("eventwatch: network fingerprint changed, forcing endpoint reprobe")
	w.last = fp
	w.sel.Select(true, fp)
	w.runEventTasks(ctx)
}

// runEventTasks fires every cached, non-cancelled event-triggered task. Each
// runs in its own goroutine so a slow script can't delay the others or block
// the watch loop from noticing the next change.
func (w *Watcher) runEventTasks(ctx context.Context) {
	if w.tasks == nil {
		return
	}
	tasks, err := w.tasks.List(ctx)
	if err != nil {
		log.Printf("eventwatch: failed to list cached tasks: %v", err)
		return
	}
	for _, t := range tasks {
		if t.Cancelled || t.TriggerType != store.TriggerEvent {
			continue
		}
		go func(task *store.Task) {
			executor.Run(context.Background(), task, w.sender, w.notifier)
			w.tasks.RecordRun(context.Background(), task.TaskID, time.Now().UTC())
		}(t)
	}
}

// fingerprint hashes the sorted set of non-loopback, up interface addresses.
// It changes whenever the host's address set changes but is stable across
// reordering, so interface enumeration order never causes a false change.
func (w *Watcher) fingerprint() string {
	ifaces, err := w.interfaces()
	if err != nil {
		return ""
	}

	var parts []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := w.addrs(iface)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			parts = append(parts, iface.Name+"="+a.String())
		}
	}
	sort.Strings(parts)

	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}
