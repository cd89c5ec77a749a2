package store

import "time"

// Device is a fleet endpoint identified by a UUID minted by the agent on
// first launch.
type Device struct {
	DeviceID      string    `json:"device_id" db:"device_id"`
	Hostname      string    `json:"hostname" db:"hostname"`
	Platform      string    `json:"platform" db:"platform"`
	OSInfo        string    `json:"os_info" db:"os_info"`
	IPAddress     string    `json:"ip_address" db:"ip_address"`
	MACAddress    string    `json:"mac_address" db:"mac_address"`
	AgentVersion  string    `json:"agent_version" db:"agent_version"`
	Status        string    `json:"status" db:"status"` // online, offline
	LastSeen      time.Time `json:"last_seen" db:"last_seen"`
	CPUPercent    float64   `json:"cpu_percent" db:"cpu_percent"`
	RAMPercent    float64   `json:"ram_percent" db:"ram_percent"`
	DiskPercent   float64   `json:"disk_percent" db:"disk_percent"`
	BatteryLevel  *int      `json:"battery_level" db:"battery_level"`
	Charging      bool      `json:"charging" db:"charging"`
	GroupName     string    `json:"group_name" db:"group_name"`
	Lockdown      bool      `json:"lockdown" db:"lockdown"`
	PendingReboot bool      `json:"pending_reboot" db:"pending_reboot"`
	DiskDetails   string    `json:"disk_details,omitempty" db:"disk_details"` // last disk_scan payload, raw JSON
	HWSnapshot    string    `json:"hw_snapshot,omitempty" db:"hw_snapshot"`   // last hw_report payload, raw JSON
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Task is a server-side script task record.
type Task struct {
	TaskID          string     `json:"task_id" db:"task_id"`
	Name            string     `json:"name" db:"name"`
	ScriptType      string     `json:"script_type" db:"script_type"`
	ScriptBody      string     `json:"script_body" db:"script_body"`
	TriggerType     string     `json:"trigger_type" db:"trigger_type"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	IntervalSeconds int        `json:"interval_seconds,omitempty" db:"interval_seconds"`
	CronExpr        string     `json:"cron_expr,omitempty" db:"cron_expr"`
	EventTrigger    string     `json:"event_trigger,omitempty" db:"event_trigger"`
	TargetType      string     `json:"target_type" db:"target_type"` // all, device, group
	TargetID        string     `json:"target_id,omitempty" db:"target_id"`
	Status          string     `json:"status" db:"status"`
	Cancelled       bool       `json:"cancelled" db:"cancelled"`
	LastRun         *time.Time `json:"last_run,omitempty" db:"last_run"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

const (
	ScriptPowerShell = "powershell"
	ScriptCmd        = "cmd"
	ScriptPython     = "python"
	ScriptBash       = "bash"
	ScriptUnknown    = "unknown"

	TriggerNow      = "now"
	TriggerOnce     = "once"
	TriggerInterval = "interval"
	TriggerCron     = "cron"
	TriggerEvent    = "event"

	EventNetworkChange = "network_change"

	TargetAll    = "all"
	TargetDevice = "device"
	TargetGroup  = "group"

	TaskPending    = "pending"
	TaskDispatched = "dispatched"
	TaskDone       = "done"
	TaskCancelled  = "cancelled"
)

// TaskResult is a reported execution outcome.
type TaskResult struct {
	TaskID      string    `json:"task_id" db:"task_id"`
	DeviceID    string    `json:"device_id" db:"device_id"`
	ExitCode    int       `json:"exit_code" db:"exit_code"`
	Stdout      string    `json:"stdout" db:"stdout"`
	Stderr      string    `json:"stderr" db:"stderr"`
	Status      string    `json:"status" db:"status"` // success, failed
	StartedAt   time.Time `json:"started_at" db:"started_at"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
}

const (
	ResultSuccess = "success"
	ResultFailed  = "failed"

	// TimeoutExitCode is the sentinel exit code reported when the streaming
	// executor kills a task for exceeding its wall-clock budget.
	TimeoutExitCode = -1

	MaxStdoutBytes = 65535
	MaxStderrBytes = 16383
)

// MetricSample is one heartbeat's worth of telemetry.
type MetricSample struct {
	DeviceID   string    `json:"device_id" db:"device_id"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
	CPU        float64   `json:"cpu" db:"cpu"`
	RAM        float64   `json:"ram" db:"ram"`
	Disk       float64   `json:"disk" db:"disk"`
	Battery    float64   `json:"battery" db:"battery"`
}

// MetricRetention is how long samples are kept per device before
// opportunistic pruning on insert.
const MetricRetention = 30 * 24 * time.Hour

// AlertRule is a threshold rule evaluated against current telemetry.
type AlertRule struct {
	ID              string     `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	Metric          string     `json:"metric" db:"metric"` // cpu, ram, disk, battery
	Operator        string     `json:"operator" db:"operator"` // gt, lt, eq
	Threshold       float64    `json:"threshold" db:"threshold"`
	DurationMinutes int        `json:"duration_minutes" db:"duration_minutes"`
	TargetType      string     `json:"target_type" db:"target_type"`
	TargetID        string     `json:"target_id,omitempty" db:"target_id"`
	Action          string     `json:"action" db:"action"` // email, log
	Active          bool       `json:"active" db:"active"`
	LastFired       *time.Time `json:"last_fired,omitempty" db:"last_fired"`
}

const (
	MetricCPU     = "cpu"
	MetricRAM     = "ram"
	MetricDisk    = "disk"
	MetricBattery = "battery"

	OpGT = "gt"
	OpLT = "lt"
	OpEQ = "eq"

	ActionEmail = "email"
	ActionLog   = "log"

	// AlertEqualityTolerance is the tolerance used for "eq" comparisons.
	AlertEqualityTolerance = 0.5

	// AlertThrottle suppresses refiring within this window regardless of
	// continued violation.
	AlertThrottle = time.Hour
)

// Evaluate reports whether observed trips the rule's operator/threshold.
func (r AlertRule) Evaluate(observed float64) bool {
	switch r.Operator {
	case OpGT:
		return observed > r.Threshold
	case OpLT:
		return observed < r.Threshold
	case OpEQ:
		diff := observed - r.Threshold
		if diff < 0 {
			diff = -diff
		}
		return diff <= AlertEqualityTolerance
	default:
		return false
	}
}

// Throttled reports whether the rule fired within the last hour.
func (r AlertRule) Throttled(now time.Time) bool {
	return r.LastFired != nil && now.Sub(*r.LastFired) < AlertThrottle
}

// Setting is a process-wide config row with a default-seeded value.
type Setting struct {
	Key      string `json:"key" db:"key"`
	Value    string `json:"value" db:"value"`
	Label    string `json:"label" db:"label"`
	Category string `json:"category" db:"category"`
}
