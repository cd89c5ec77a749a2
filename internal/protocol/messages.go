// Package protocol defines the framed JSON envelope exchanged over the
// agent↔server channel.
package protocol

import "encoding/json"

// Type is the closed set of message tags carried on the channel. Unknown
// values are logged and dropped by both sides rather than closing the
// connection.
type Type string

const (
	TypeRunTask         Type = "run_task"
	TypeScheduleTask    Type = "schedule_task"
	TypeCancelTask      Type = "cancel_task"
	TypeUpdatePolicy    Type = "update_policy"
	TypeDiskScanRequest Type = "disk_scan_request"
	TypeGetProcesses    Type = "get_processes"
	TypeKillProcess     Type = "kill_process"
	TypeQuickAction     Type = "quick_action"
	TypeSoftwareScan    Type = "software_scan"
	TypeHWScanRequest   Type = "hw_scan_request"
	TypePing            Type = "ping"

	TypeHeartbeat       Type = "heartbeat"
	TypeTaskResult      Type = "task_result"
	TypeTaskOutput      Type = "task_output"
	TypeDiskScan        Type = "disk_scan"
	TypeHWReport        Type = "hw_report"
	TypeSoftwareReport  Type = "software_report"
	TypeProcessList     Type = "process_list"
	TypeLog             Type = "log"
)

// Envelope is the wire frame. Data is left raw so each handler decodes only
// the shape it expects.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(t Type, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Data: raw}, nil
}

// RunTaskPayload → agent.
type RunTaskPayload struct {
	TaskID     string `json:"task_id"`
	Name       string `json:"name"`
	ScriptType string `json:"script_type"`
	ScriptBody string `json:"script_body"`
}

// ScheduleTaskPayload → agent. Carries a recurring (interval/cron/event)
// task for the agent's local cache; one-shot "now" tasks are delivered as
// run_task instead.
type ScheduleTaskPayload struct {
	TaskID          string  `json:"task_id"`
	Name            string  `json:"name"`
	ScriptType      string  `json:"script_type"`
	ScriptBody      string  `json:"script_body"`
	TriggerType     string  `json:"trigger_type"`
	ScheduledAt     *string `json:"scheduled_at,omitempty"`
	IntervalSeconds int     `json:"interval_seconds,omitempty"`
	CronExpr        string  `json:"cron_expr,omitempty"`
	EventTrigger    string  `json:"event_trigger,omitempty"`
}

// CancelTaskPayload → agent.
type CancelTaskPayload struct {
	TaskID string `json:"task_id"`
}

// QuickActionPayload → agent.
type QuickActionPayload struct {
	Action string `json:"action"` // shutdown, restart, lock, sleep
}

// KillProcessPayload → agent.
type KillProcessPayload struct {
	PID  int    `json:"pid"`
	Name string `json:"name,omitempty"`
}

// HeartbeatPayload → server.
type HeartbeatPayload struct {
	Hostname        string  `json:"hostname"`
	Platform        string  `json:"platform"`
	OSInfo          string  `json:"os_info"`
	IPAddress       string  `json:"ip_address"`
	MACAddress      string  `json:"mac_address,omitempty"`
	AgentVersion    string  `json:"agent_version"`
	BatteryLevel    *int    `json:"battery_level,omitempty"`
	BatteryCharging bool    `json:"battery_charging"`
	CPUPercent      float64 `json:"cpu_percent"`
	RAMPercent      float64 `json:"ram_percent"`
	DiskPercent     float64 `json:"disk_percent"`
	PendingReboot   bool    `json:"pending_reboot,omitempty"`
	LastPolicyApply *string `json:"last_policy_apply,omitempty"`
}

// TaskResultPayload → server.
type TaskResultPayload struct {
	TaskID      string `json:"task_id"`
	ExitCode    int    `json:"exit_code"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

// TaskOutputPayload → server.
type TaskOutputPayload struct {
	TaskID   string `json:"task_id"`
	Output   string `json:"output"`
	Progress int    `json:"progress"`
}

// DiskScanPayload → server.
type DiskScanPayload struct {
	Details []map[string]interface{} `json:"details"`
}

// SoftwareReportPayload → server.
type SoftwareReportPayload struct {
	Apps []SoftwareApp `json:"apps"`
}

type SoftwareApp struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Publisher   string `json:"publisher"`
	InstallDate string `json:"install_date"`
}

// ProcessInfo is one entry of a process_list payload (→ server, a bare array).
type ProcessInfo struct {
	PID   int     `json:"pid"`
	Name  string  `json:"name"`
	CPU   float64 `json:"cpu"`
	MemMB float64 `json:"mem_mb"`
	Path  string  `json:"path"`
}

// HWReportPayload → server. Reply to hw_scan_request.
type HWReportPayload struct {
	CPUModel   string   `json:"cpu_model,omitempty"`
	CPUCores   int      `json:"cpu_cores,omitempty"`
	RAMTotalGB float64  `json:"ram_total_gb,omitempty"`
	Disks      []HWDisk `json:"disks,omitempty"`
	MACAddress string   `json:"mac_address,omitempty"`
}

type HWDisk struct {
	Path   string  `json:"path"`
	SizeGB float64 `json:"size_gb"`
}

// LogPayload → server.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// PacingPolicy maps battery/charging state to a heartbeat interval.
// A zero value for any field means "leave the current setting unchanged" —
// used for partial merges from an update_policy message.
type PacingPolicy struct {
	PluggedSeconds      int `json:"checkin_plugged_seconds"`
	Battery100To80      int `json:"checkin_battery_100_80_seconds"`
	Battery79To50       int `json:"checkin_battery_79_50_seconds"`
	Battery49To20       int `json:"checkin_battery_49_20_seconds"`
	Battery19To10       int `json:"checkin_battery_19_10_seconds"`
	Battery9To0         int `json:"checkin_battery_9_0_seconds"`
}

// DefaultPacingPolicy returns the stock checkin-interval schedule applied
// before any server-pushed update_policy patch.
func DefaultPacingPolicy() PacingPolicy {
	return PacingPolicy{
		PluggedSeconds: 30,
		Battery100To80: 60,
		Battery79To50:  180,
		Battery49To20:  300,
		Battery19To10:  600,
		Battery9To0:    900,
	}
}

// Merge overlays non-zero fields of patch onto p, returning the result.
func (p PacingPolicy) Merge(patch PacingPolicy) PacingPolicy {
	if patch.PluggedSeconds != 0 {
		p.PluggedSeconds = patch.PluggedSeconds
	}
	if patch.Battery100To80 != 0 {
		p.Battery100To80 = patch.Battery100To80
	}
	if patch.Battery79To50 != 0 {
		p.Battery79To50 = patch.Battery79To50
	}
	if patch.Battery49To20 != 0 {
		p.Battery49To20 = patch.Battery49To20
	}
	if patch.Battery19To10 != 0 {
		p.Battery19To10 = patch.Battery19To10
	}
	if patch.Battery9To0 != 0 {
		p.Battery9To0 = patch.Battery9To0
	}
	return p
}
