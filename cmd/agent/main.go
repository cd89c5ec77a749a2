// Command agent is the per-device FluxGuard process: it maintains a
// reconnecting channel to the control plane, runs locally-cached scheduled
// tasks on their own cadence, and reacts to network changes between
// check-ins. Installation, uninstallation, and status reporting are
// subcommands of the same binary so a single staged executable is enough to
// manage the boot-time entry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/itskum47/fluxguard/internal/agent/channel"
	"github.com/itskum47/fluxguard/internal/agent/endpoint"
	"github.com/itskum47/fluxguard/internal/agent/eventwatch"
	"github.com/itskum47/fluxguard/internal/agent/notify"
	"github.com/itskum47/fluxguard/internal/agent/policystatus"
	"github.com/itskum47/fluxguard/internal/agent/runner"
	"github.com/itskum47/fluxguard/internal/agent/state"
	"github.com/itskum47/fluxguard/internal/agent/svc"
	"github.com/itskum47/fluxguard/internal/agent/taskstore"
	"github.com/itskum47/fluxguard/internal/agent/telemetry"
)

// singletonPort is the loopback port the background run binds as a
// cross-platform single-instance mutex.
const singletonPort = 48173

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	install := flag.Bool("install", false, "stage the binary and register a boot-time start entry")
	uninstall := flag.Bool("uninstall", false, "remove the boot-time start entry")
	status := flag.Bool("status", false, "print the boot-time start entry status")
	foreground := flag.Bool("foreground", false, "run without hiding a console and without the single-instance guard")
	flag.Parse()

	mgr := svc.NewManager()

	switch {
	case *install:
		exe, err := os.Executable()
		if err != nil {
			log.Fatalf("agent: resolve running binary: %v", err)
		}
		if err := mgr.Install(exe); err != nil {
			log.Fatalf("agent: install failed: %v", err)
		}
		fmt.Println("installed")
		return
	case *uninstall:
		if err := mgr.Uninstall(); err != nil {
			log.Fatalf("agent: uninstall failed: %v", err)
		}
		fmt.Println("uninstalled")
		return
	case *status:
		s, err := mgr.Status()
		if err != nil {
			log.Fatalf("agent: status failed: %v", err)
		}
		fmt.Println(s)
		return
	}

	if !*foreground {
		release, ok := svc.AcquireSingleton(singletonPort)
		if !ok {
			log.Println("agent: another instance is already running, exiting")
			os.Exit(0)
		}
		defer release()
	}

	setupLogging(*foreground)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run(ctx)
}

// setupLogging sends log output to a size-rotated agent.log under the
// shared data directory, or to stderr when running attached to a console.
func setupLogging(foreground bool) {
	if foreground {
		log.SetOutput(os.Stderr)
		return
	}
	dataDir := svc.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Printf("agent: failed to create data dir for log file, logging to stderr: %v", err)
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   filepath.Join(dataDir, "agent.log"),
		MaxSize:    5, // megabytes
		MaxBackups: 3,
	})
}

func run(ctx context.Context) {
	dataDir := svc.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("agent: create data dir %s: %v", dataDir, err)
	}

	st := state.Open(filepath.Join(dataDir, "state.json"))

	tasks, err := taskstore.Open(filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		log.Fatalf("agent: open local task cache: %v", err)
	}
	defer tasks.Close()

	candidates := parseCandidates(getenv("FLUXGUARD_SERVER_CANDIDATES", "localhost:8080"))
	if len(candidates) == 0 {
		log.Fatal("agent: no server candidates configured")
	}
	sel := endpoint.New(candidates, st)

	token := os.Getenv("FLUXGUARD_AGENT_SECRET")
	if token == "" {
		log.Fatal("agent: FLUXGUARD_AGENT_SECRET is required")
	}

	notifier := notify.NewLogNotifier()
	tele := telemetry.New(outboundIP)

	cl := channel.New(st, sel, tasks, tele, token, notifier).WithPolicyStatus(policystatus.NewCollector())

	wsURL, _ := sel.Select(false, "")
	checker := runner.NewHTTPActiveChecker(httpBaseFromWS(wsURL), token)

	r := runner.New(tasks, checker, cl, notifier)
	watcher := eventwatch.New(sel, tasks, cl, notifier)

	go r.Run(ctx)
	go watcher.Run(ctx)
	go reprobeLoop(ctx, sel)

	cl.Run(ctx)
}

// reprobeWeeklyInterval forces a fresh endpoint probe on this cadence even
// while a channel connection stays open for longer, since Selector.Select's
// own staleness check only fires reactively on redial.
const reprobeWeeklyInterval = 7 * 24 * time.Hour

func reprobeLoop(ctx context.Context, sel *endpoint.Selector) {
	ticker := time.NewTicker(reprobeWeeklyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sel.Select(true, "")
		}
	}
}

// parseCandidates turns a comma-separated host:port list into the dial
// targets and channel URLs the endpoint selector probes.
func parseCandidates(raw string) []endpoint.Candidate {
	var out []endpoint.Candidate
	for _, hp := range strings.Split(raw, ",") {
		hp = strings.TrimSpace(hp)
		if hp == "" {
			continue
		}
		out = append(out, endpoint.Candidate{Dial: hp, URL: "ws://" + hp + "/ws/agent"})
	}
	return out
}

// httpBaseFromWS derives the task-active probe's base URL from the
// websocket URL the endpoint selector picked, swapping scheme and trimming
// the channel path.
func httpBaseFromWS(wsURL string) string {
	base := strings.TrimSuffix(wsURL, "/ws/agent")
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	return strings.TrimSuffix(base, "/") + "/tasks"
}

// outboundIP reports the local address the OS would route through to reach
// a public host. The UDP dial never sends a packet, it only resolves a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
