// Package checkin implements the HTTP bootstrap handshake agents use
// to resolve the channel URL, fetch the current pacing policy, and pull a
// snapshot of pending recurring tasks before opening a channel.
package checkin

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/fluxguard/internal/protocol"
	"github.com/itskum47/fluxguard/internal/server/observability"
	"github.com/itskum47/fluxguard/internal/server/policy"
	"github.com/itskum47/fluxguard/internal/server/store"
)

// Handler serves the check-in POST and the task-active probe GET.
type Handler struct {
	store   store.Store
	policy  *policy.Store
	wsURL   string
	limiter *rate.Limiter
}

// New wires a Handler. wsURL is the channel endpoint agents are told to
// open.
func New(s store.Store, pol *policy.Store, wsURL string) *Handler {
	return &Handler{
		store:  s,
		policy: pol,
		wsURL:  wsURL,
		// Allow 50 check-ins/sec, burst 100 — storm protection against a
		// fleet reconnect stampede.
		limiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

type checkinRequest struct {
	DeviceID        string  `json:"device_id"`
	Hostname        string  `json:"hostname"`
	Platform        string  `json:"platform"`
	OSInfo          string  `json:"os_info"`
	IPAddress       string  `json:"ip_address"`
	AgentVersion    string  `json:"agent_version"`
	BatteryLevel    *int    `json:"battery_level"`
	BatteryCharging bool    `json:"battery_charging"`
	CPUPercent      float64 `json:"cpu_percent"`
	RAMPercent      float64 `json:"ram_percent"`
	DiskPercent     float64 `json:"disk_percent"`
	MAC             string  `json:"mac"`
}

type checkinResponse struct {
	Status         string                `json:"status"`
	WSURL          string                `json:"ws_url"`
	ScheduledTasks []*store.Task         `json:"scheduled_tasks"`
	Policy         protocol.PacingPolicy `json:"policy"`
}

// ServeHTTP handles POST /checkin.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.limiter.Allow() {
		observability.CheckinRateLimited.Inc()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	existing, _ := h.store.GetDevice(ctx, req.DeviceID)
	dev := &store.Device{
		DeviceID:     req.DeviceID,
		Hostname:     req.Hostname,
		Platform:     req.Platform,
		OSInfo:       req.OSInfo,
		IPAddress:    req.IPAddress,
		MACAddress:   req.MAC,
		AgentVersion: req.AgentVersion,
		Status:       store.DeviceOnline,
		LastSeen:     now,
		CPUPercent:   req.CPUPercent,
		RAMPercent:   req.RAMPercent,
		DiskPercent:  req.DiskPercent,
		BatteryLevel: req.BatteryLevel,
		Charging:     req.BatteryCharging,
		CreatedAt:    now,
	}
	if existing != nil {
		dev.GroupName = existing.GroupName
		dev.Lockdown = existing.Lockdown
		dev.PendingReboot = existing.PendingReboot
		dev.CreatedAt = existing.CreatedAt
	}
	dev.UpdatedAt = now

	if err := h.store.UpsertDevice(ctx, dev); err != nil {
		log.Printf("checkin: upsert device %s failed: %v", req.DeviceID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	tasks, err := h.store.ListSnapshotTasksForDevice(ctx, dev.DeviceID, dev.GroupName)
	if err != nil {
		log.Printf("checkin: listing snapshot tasks failed: %v", err)
		tasks = nil
	}

	resp := checkinResponse{
		Status:         "ok",
		WSURL:          h.wsURL,
		ScheduledTasks: tasks,
		Policy:         h.policy.Current(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ServeTaskActive handles GET /.../tasks/{task_id}, the pre-run
// cancellation probe the agent's runner calls when a non-now task is
// found due, just before it runs.
func (h *Handler) ServeTaskActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := taskIDFromPath(r.URL.Path)
	if taskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}

	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil || task == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"cancelled": task.Cancelled,
		"task_id":   task.TaskID,
	})
}

func taskIDFromPath(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 || idx == len(p)-1 {
		return ""
	}
	return p[idx+1:]
}
