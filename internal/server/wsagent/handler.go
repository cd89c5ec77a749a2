// Package wsagent serves the agent-facing WebSocket endpoint: a
// per-connection receive loop that demultiplexes the full agent/server
// message set, generalized from a single broadcast hub into one handler per
// connected agent.
package wsagent

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/fluxguard/internal/protocol"
	"github.com/itskum47/fluxguard/internal/server/email"
	"github.com/itskum47/fluxguard/internal/server/observability"
	"github.com/itskum47/fluxguard/internal/server/store"
)

const (
	idleTimeout = 120 * time.Second
	pingWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Registry is the subset of the connection registry the handler needs.
type Registry interface {
	RegisterAgent(deviceID string, conn *websocket.Conn)
	UnregisterAgent(deviceID string, conn *websocket.Conn)
}

// Dashboards is the dashboard fan-out surface task_output/process_list/
// device_update broadcasts land on.
type Dashboards interface {
	Broadcast(payload interface{})
}

// Alerter records telemetry into metric samples on each heartbeat.
type Alerter interface {
	RecordHeartbeat(ctx context.Context, deviceID string, cpu, ram, disk, battery float64) error
}

// Handler terminates agent channels.
type Handler struct {
	store   store.Store
	conns   Registry
	dash    Dashboards
	alerter Alerter
	mailer  email.Sender
	secret  string
}

func New(s store.Store, conns Registry, dash Dashboards, alerter Alerter, mailer email.Sender, secret string) *Handler {
	return &Handler{store: s, conns: conns, dash: dash, alerter: alerter, mailer: mailer, secret: secret}
}

// ServeHTTP upgrades the request and runs the connection's receive loop
// until it disconnects or errors.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" || r.Header.Get("X-Agent-Token") != h.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsagent: upgrade failed for %s: %v", deviceID, err)
		return
	}

	ctx := r.Context()
	h.conns.RegisterAgent(deviceID, conn)
	if err := h.store.MarkDeviceStatus(ctx, deviceID, store.DeviceOnline, time.Now().UTC()); err != nil {
		log.Printf("wsagent: failed to mark %s online: %v", deviceID, err)
	}

	h.receiveLoop(ctx, deviceID, conn)

	h.conns.UnregisterAgent(deviceID, conn)
	if err := h.store.MarkDeviceStatus(ctx, deviceID, store.DeviceOffline, time.Now().UTC()); err != nil {
		log.Printf("wsagent: failed to mark %s offline: %v", deviceID, err)
	}
	conn.Close()
}

func (h *Handler) receiveLoop(ctx context.Context, deviceID string, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				conn.SetWriteDeadline(time.Now().Add(pingWait))
				if env, perr := protocol.NewEnvelope(protocol.TypePing, struct{}{}); perr == nil {
					if werr := conn.WriteJSON(env); werr != nil {
						return
					}
				}
				conn.SetReadDeadline(time.Now().Add(idleTimeout))
				continue
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			observability.MalformedMessages.WithLabelValues("agent").Inc()
			log.Printf("wsagent: malformed envelope from %s dropped: %v", deviceID, err)
			continue
		}

		h.dispatch(ctx, deviceID, conn, env)
	}
}

// dispatch handles one inbound message. Every branch recovers internally so
// a handler error never tears down the receive loop for the rest of the
// connection.
func (h *Handler) dispatch(ctx context.Context, deviceID string, conn *websocket.Conn, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("wsagent: handler for %s from %s panicked: %v", env.Type, deviceID, r)
		}
	}()

	switch env.Type {
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(ctx, deviceID, env)
	case protocol.TypeTaskResult:
		h.handleTaskResult(ctx, deviceID, env)
	case protocol.TypeTaskOutput:
		h.dash.Broadcast(env)
	case protocol.TypeDiskScan:
		h.handleDiskScan(ctx, deviceID, env)
	case protocol.TypeHWReport:
		h.handleHWReport(ctx, deviceID, env)
	case protocol.TypeSoftwareReport:
		// Software inventory reconciliation is an external collaborator;
		// we only log receipt here.
		log.Printf("wsagent: software_report received from %s", deviceID)
	case protocol.TypeProcessList:
		h.dash.Broadcast(env)
	case protocol.TypeLog:
		h.handleLog(deviceID, env)
	default:
		observability.MalformedMessages.WithLabelValues("agent").Inc()
		log.Printf("wsagent: unrecognized message type %q from %s dropped", env.Type, deviceID)
	}
}

func (h *Handler) handleHeartbeat(ctx context.Context, deviceID string, env protocol.Envelope) {
	var p protocol.HeartbeatPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("wsagent: malformed heartbeat from %s: %v", deviceID, err)
		return
	}

	dev, err := h.store.GetDevice(ctx, deviceID)
	if err != nil || dev == nil {
		dev = &store.Device{DeviceID: deviceID, CreatedAt: time.Now().UTC()}
	}
	dev.Hostname = p.Hostname
	dev.Platform = p.Platform
	dev.OSInfo = p.OSInfo
	dev.IPAddress = p.IPAddress
	dev.MACAddress = p.MACAddress
	dev.AgentVersion = p.AgentVersion
	dev.BatteryLevel = p.BatteryLevel
	dev.Charging = p.BatteryCharging
	dev.CPUPercent = p.CPUPercent
	dev.RAMPercent = p.RAMPercent
	dev.DiskPercent = p.DiskPercent
	dev.PendingReboot = p.PendingReboot
	dev.Status = store.DeviceOnline
	dev.LastSeen = time.Now().UTC()
	dev.UpdatedAt = dev.LastSeen

	if err := h.store.UpsertDevice(ctx, dev); err != nil {
		log.Printf("wsagent: failed to persist heartbeat for %s: %v", deviceID, err)
		return
	}

	battery := 0.0
	if p.BatteryLevel != nil {
		battery = float64(*p.BatteryLevel)
	}
	if err := h.alerter.RecordHeartbeat(ctx, deviceID, p.CPUPercent, p.RAMPercent, p.DiskPercent, battery); err != nil {
		log.Printf("wsagent: failed to record metric sample for %s: %v", deviceID, err)
	}

	h.dash.Broadcast(struct {
		Type     string        `json:"type"`
		DeviceID string        `json:"device_id"`
		Device   *store.Device `json:"device"`
	}{Type: "device_update", DeviceID: deviceID, Device: dev})
}

func (h *Handler) handleTaskResult(ctx context.Context, deviceID string, env protocol.Envelope) {
	var p protocol.TaskResultPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("wsagent: malformed task_result from %s: %v", deviceID, err)
		return
	}

	status := store.ResultSuccess
	if p.ExitCode != 0 {
		status = store.ResultFailed
	}
	started, _ := time.Parse(time.RFC3339, p.StartedAt)
	result := &store.TaskResult{
		TaskID: p.TaskID, DeviceID: deviceID, ExitCode: p.ExitCode,
		Stdout: truncate(p.Stdout, store.MaxStdoutBytes), Stderr: truncate(p.Stderr, store.MaxStderrBytes),
		Status: status, StartedAt: started, CompletedAt: time.Now().UTC(),
	}
	if err := h.store.RecordTaskResult(ctx, result); err != nil {
		log.Printf("wsagent: failed to persist task_result for %s/%s: %v", deviceID, p.TaskID, err)
		return
	}
	if err := h.store.SetTaskStatus(ctx, p.TaskID, store.TaskDone); err != nil {
		log.Printf("wsagent: failed to flip task %s done: %v", p.TaskID, err)
	}
	observability.TaskResultsReceived.WithLabelValues(status).Inc()

	if p.ExitCode != 0 {
		dev, _ := h.store.GetDevice(ctx, deviceID)
		label := deviceID
		if dev != nil {
			label = dev.Hostname
		}
		email.SendBestEffort(h.mailer, email.AlertPayload{
			Kind: "task_failed", DeviceID: deviceID, DeviceLabel: label,
			Message: "task " + p.TaskID + " exited with code " + strconv.Itoa(p.ExitCode),
		})
	}
}

func (h *Handler) handleDiskScan(ctx context.Context, deviceID string, env protocol.Envelope) {
	var p protocol.DiskScanPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("wsagent: malformed disk_scan from %s: %v", deviceID, err)
		return
	}
	h.persistDeviceSnapshot(ctx, deviceID, func(d *store.Device) {
		d.DiskDetails = string(env.Data)
	})
	log.Printf("wsagent: disk_scan from %s: %d entries", deviceID, len(p.Details))
}

func (h *Handler) handleHWReport(ctx context.Context, deviceID string, env protocol.Envelope) {
	var p protocol.HWReportPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("wsagent: malformed hw_report from %s: %v", deviceID, err)
		return
	}
	h.persistDeviceSnapshot(ctx, deviceID, func(d *store.Device) {
		d.HWSnapshot = string(env.Data)
	})
	log.Printf("wsagent: hw_report from %s: %s, %d cores", deviceID, p.CPUModel, p.CPUCores)
}

// persistDeviceSnapshot loads the device record, applies mutate, and
// upserts it back. Used for snapshot fields (disk/hardware) that arrive
// independently of the heartbeat that otherwise drives Device writes.
func (h *Handler) persistDeviceSnapshot(ctx context.Context, deviceID string, mutate func(*store.Device)) {
	dev, err := h.store.GetDevice(ctx, deviceID)
	if err != nil {
		log.Printf("wsagent: failed to load device %s for snapshot persistence: %v", deviceID, err)
		return
	}
	if dev == nil {
		dev = &store.Device{DeviceID: deviceID, CreatedAt: time.Now().UTC()}
	}
	mutate(dev)
	dev.UpdatedAt = time.Now().UTC()
	if err := h.store.UpsertDevice(ctx, dev); err != nil {
		log.Printf("wsagent: failed to persist device %s snapshot: %v", deviceID, err)
	}
}

func (h *Handler) handleLog(deviceID string, env protocol.Envelope) {
	var p protocol.LogPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return
	}
	log.Printf("agent[%s] %s: %s", deviceID, p.Level, p.Message)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
