// Package channel runs the agent's reconnecting duplex connection to the
// server: a heartbeat sender paced by the current battery policy, and a
// receiver that dispatches inbound commands to the task cache and
// executor. It redials on any error rather than accepting connections like
// a server would.
package channel

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/fluxguard/internal/agent/endpoint"
	"github.com/itskum47/fluxguard/internal/agent/executor"
	"github.com/itskum47/fluxguard/internal/agent/pacer"
	"github.com/itskum47/fluxguard/internal/agent/policystatus"
	"github.com/itskum47/fluxguard/internal/agent/state"
	"github.com/itskum47/fluxguard/internal/agent/taskstore"
	"github.com/itskum47/fluxguard/internal/protocol"
	"github.com/itskum47/fluxguard/internal/server/store"
)

// reconnectDelay is how long Run waits after a disconnect before redialing.
// A var rather than a const so tests can shrink it.
var reconnectDelay = 30 * time.Second

// Telemetry samples the host's current resource usage and power state. A
// platform-specific implementation is supplied by the caller; this package
// only consumes the interface.
type Telemetry interface {
	Sample() Sample
}

// Sample is one point-in-time telemetry reading.
type Sample struct {
	Hostname        string
	Platform        string
	OSInfo          string
	IPAddress       string
	AgentVersion    string
	CPUPercent      float64
	RAMPercent      float64
	DiskPercent     float64
	BatteryLevel    *int
	BatteryCharging bool
}

// Dialer opens a websocket to url, sending deviceID and token the way the
// server's channel handler expects (device_id query param, X-Agent-Token
// header). Overridable for tests.
type Dialer func(ctx context.Context, url, deviceID, token string) (*websocket.Conn, error)

// PolicyStatus samples the host's pending-reboot/last-policy-apply state for
// the heartbeat. Optional: a nil PolicyStatus simply omits both fields.
type PolicyStatus interface {
	Collect() policystatus.Status
}

// Client owns one logical channel connection, reconnecting on any error.
type Client struct {
	st           *state.Store
	sel          *endpoint.Selector
	tasks        *taskstore.Store
	tele         Telemetry
	policyStatus PolicyStatus
	token        string
	dial         Dialer

	notifier executor.Notifier

	policyMu sync.Mutex
	policy   protocol.PacingPolicy

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func New(st *state.Store, sel *endpoint.Selector, tasks *taskstore.Store, tele Telemetry, token string, notifier executor.Notifier) *Client {
	return &Client{
		st: st, sel: sel, tasks: tasks, tele: tele, token: token,
		dial: dialWebsocket, notifier: notifier,
		policy: protocol.DefaultPacingPolicy(),
	}
}

// WithPolicyStatus wires an optional pending-reboot/last-policy-apply
// collector into every subsequent heartbeat.
func (c *Client) WithPolicyStatus(ps PolicyStatus) *Client {
	c.policyStatus = ps
	return c
}

// Run blocks, maintaining a connection until ctx is cancelled. Every
// disconnect — clean or not — triggers a fresh endpoint reprobe and an
// unbounded reconnect after a fixed delay.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		url, _ := c.sel.Select(false, "")
		conn, err := c.dial(ctx, url, c.st.DeviceID(), c.token)
		if err != nil {
			log.Printf("channel: dial %s failed: %v", url, err)
			c.waitBeforeReconnect(ctx)
			continue
		}

		c.runConnection(ctx, conn)

		c.st.ClearEndpointProbe()
		c.st.SetWasOffline(true)
		c.waitBeforeReconnect(ctx)
	}
}

func (c *Client) waitBeforeReconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(reconnectDelay):
	}
}

func (c *Client) runConnection(ctx context.Context, conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	defer conn.Close()

	if c.st.Current().WasOffline {
		c.notify("Reconnected", "connection to the server has been restored")
		c.st.SetWasOffline(false)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.heartbeatLoop(connCtx)
	}()

	c.receiveLoop(conn)
	cancel()
	<-done
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	for {
		s := c.tele.Sample()

		c.policyMu.Lock()
		policy := c.policy
		c.policyMu.Unlock()
		interval := pacer.Interval(policy, s.BatteryLevel, s.BatteryCharging)

		var pendingReboot bool
		var lastPolicyApply *time.Time
		if c.policyStatus != nil {
			ps := c.policyStatus.Collect()
			pendingReboot, lastPolicyApply = ps.PendingReboot, ps.LastPolicyApply
		}
		var lastPolicyApplyStr *string
		if lastPolicyApply != nil {
			s := lastPolicyApply.UTC().Format(time.RFC3339)
			lastPolicyApplyStr = &s
		}

		env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
			Hostname: s.Hostname, Platform: s.Platform, OSInfo: s.OSInfo, IPAddress: s.IPAddress,
			MACAddress: c.st.Current().MACAddress, AgentVersion: s.AgentVersion,
			BatteryLevel: s.BatteryLevel, BatteryCharging: s.BatteryCharging,
			CPUPercent: s.CPUPercent, RAMPercent: s.RAMPercent, DiskPercent: s.DiskPercent,
			PendingReboot: pendingReboot, LastPolicyApply: lastPolicyApplyStr,
		})
		if err == nil {
			if werr := c.writeEnvelope(env); werr != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(interval) * time.Second):
		}
	}
}

func (c *Client) receiveLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("channel: malformed envelope from server dropped: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch handles one inbound message. Every branch recovers internally so
// a handler error never tears down the receive loop.
func (c *Client) dispatch(env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("channel: handler for %s panicked: %v", env.Type, r)
		}
	}()

	ctx := context.Background()
	switch env.Type {
	case protocol.TypeRunTask:
		c.handleRunTask(ctx, env)
	case protocol.TypeScheduleTask:
		c.handleScheduleTask(ctx, env)
	case protocol.TypeCancelTask:
		c.handleCancelTask(ctx, env)
	case protocol.TypeUpdatePolicy:
		c.handleUpdatePolicy(env)
	case protocol.TypeDiskScanRequest:
		c.handleDiskScanRequest(env)
	case protocol.TypeGetProcesses:
		c.handleGetProcesses(env)
	case protocol.TypeKillProcess:
		c.handleKillProcess(env)
	case protocol.TypeQuickAction:
		c.handleQuickAction(env)
	case protocol.TypeSoftwareScan:
		c.handleSoftwareScan(env)
	case protocol.TypeHWScanRequest:
		c.handleHWScanRequest(env)
	case protocol.TypePing:
		// Keepalive only.
	default:
		log.Printf("channel: unrecognized message type %q dropped", env.Type)
	}
}

func (c *Client) handleRunTask(ctx context.Context, env protocol.Envelope) {
	var p protocol.RunTaskPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("channel: malformed run_task: %v", err)
		return
	}
	task := &store.Task{
		TaskID: p.TaskID, Name: p.Name, ScriptType: p.ScriptType, ScriptBody: p.ScriptBody,
		TriggerType: store.TriggerNow, TargetType: store.TargetAll, Status: store.TaskDispatched,
		CreatedAt: time.Now().UTC(),
	}
	go executor.Run(ctx, task, c, c.notifier)
}

func (c *Client) handleScheduleTask(ctx context.Context, env protocol.Envelope) {
	var p protocol.ScheduleTaskPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("channel: malformed schedule_task: %v", err)
		return
	}
	task := &store.Task{
		TaskID: p.TaskID, Name: p.Name, ScriptType: p.ScriptType, ScriptBody: p.ScriptBody,
		TriggerType: p.TriggerType, IntervalSeconds: p.IntervalSeconds, CronExpr: p.CronExpr,
		EventTrigger: p.EventTrigger, TargetType: store.TargetAll, Status: store.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if p.ScheduledAt != nil {
		if ts, err := time.Parse(time.RFC3339, *p.ScheduledAt); err == nil {
			task.ScheduledAt = &ts
		}
	}
	if err := c.tasks.Upsert(ctx, task); err != nil {
		log.Printf("channel: failed to cache scheduled task %s: %v", p.TaskID, err)
	}
}

func (c *Client) handleCancelTask(ctx context.Context, env protocol.Envelope) {
	var p protocol.CancelTaskPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("channel: malformed cancel_task: %v", err)
		return
	}
	if err := c.tasks.MarkCancelled(ctx, p.TaskID); err != nil {
		log.Printf("channel: failed to mark %s cancelled: %v", p.TaskID, err)
	}
}

func (c *Client) handleUpdatePolicy(env protocol.Envelope) {
	var patch protocol.PacingPolicy
	if err := json.Unmarshal(env.Data, &patch); err != nil {
		log.Printf("channel: malformed update_policy: %v", err)
		return
	}
	c.policyMu.Lock()
	c.policy = c.policy.Merge(patch)
	c.policyMu.Unlock()
}

// handleDiskScanRequest runs the disk scanner and replies with disk_scan.
// Scanning every mount is fast but not instant, so it runs off the receive
// loop like a task.
func (c *Client) handleDiskScanRequest(env protocol.Envelope) {
	go c.replyCollector(protocol.TypeDiskScan, protocol.DiskScanPayload{Details: diskScan()})
}

// handleGetProcesses replies with the running process table, capped and
// sorted the way the original agent's Get-Process pipeline was.
func (c *Client) handleGetProcesses(env protocol.Envelope) {
	go c.replyCollector(protocol.TypeProcessList, getProcesses())
}

// handleKillProcess terminates the named PID. There is no defined reply
// envelope for this message on the wire (see the message table); the agent
// performs the action and the next process_list/heartbeat reflects it.
func (c *Client) handleKillProcess(env protocol.Envelope) {
	var p protocol.KillProcessPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("channel: malformed kill_process: %v", err)
		return
	}
	if p.PID <= 0 {
		return
	}
	go killProcess(p.PID)
}

// handleQuickAction performs a shutdown/restart/lock/sleep. Like
// kill_process, it has no defined reply envelope; the host going down (or
// locking) is itself the observable effect.
func (c *Client) handleQuickAction(env protocol.Envelope) {
	var p protocol.QuickActionPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("channel: malformed quick_action: %v", err)
		return
	}
	if p.Action == "" {
		return
	}
	go doQuickAction(p.Action)
}

// handleSoftwareScan gathers the installed-software inventory and replies
// with software_report. Enumeration shells out to the platform's package
// manager and can take several seconds, so it runs off the receive loop.
func (c *Client) handleSoftwareScan(env protocol.Envelope) {
	go c.replyCollector(protocol.TypeSoftwareReport, protocol.SoftwareReportPayload{Apps: collectSoftware()})
}

// handleHWScanRequest replies with hw_report, a point-in-time hardware
// snapshot (CPU, RAM, disks, MAC).
func (c *Client) handleHWScanRequest(env protocol.Envelope) {
	go func() {
		hw := hwScan()
		hw.MACAddress = c.st.Current().MACAddress
		c.replyCollector(protocol.TypeHWReport, hw)
	}()
}

// replyCollector encodes and sends payload as type t on the same channel
// the request arrived on.
func (c *Client) replyCollector(t protocol.Type, payload interface{}) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		log.Printf("channel: failed to encode %s reply: %v", t, err)
		return
	}
	if err := c.Send(env); err != nil {
		log.Printf("channel: failed to send %s reply: %v", t, err)
	}
}

func (c *Client) notify(title, message string) {
	if c.notifier != nil {
		c.notifier.Notify(title, message)
	}
}

// Send implements executor.Sender, serializing writes against the
// heartbeat loop on the same connection.
func (c *Client) Send(env protocol.Envelope) error {
	return c.writeEnvelope(env)
}

func (c *Client) writeEnvelope(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(env)
}

func dialWebsocket(ctx context.Context, url, deviceID, token string) (*websocket.Conn, error) {
	header := map[string][]string{"X-Agent-Token": {token}}
	sep := "?"
	if containsQuery(url) {
		sep = "&"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url+sep+"device_id="+deviceID, header)
	return conn, err
}

func containsQuery(url string) bool {
	for _, r := range url {
		if r == '?' {
			return true
		}
	}
	return false
}
