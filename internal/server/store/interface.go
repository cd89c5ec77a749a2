package store

import (
	"context"
	"time"
)

// Store is the durable backend abstraction. PostgresStore is the production
// implementation; MemoryStore backs unit tests that don't need a live
// database.
type Store interface {
	// Device operations.
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	ListDevicesByGroup(ctx context.Context, group string) ([]*Device, error)
	MarkDeviceStatus(ctx context.Context, deviceID, status string, at time.Time) error
	ListOnlineDevicesSeenBefore(ctx context.Context, cutoff time.Time) ([]*Device, error)

	// Task operations.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListPendingTasks(ctx context.Context) ([]*Task, error)
	ListSnapshotTasksForDevice(ctx context.Context, deviceID, group string) ([]*Task, error)
	SetTaskStatus(ctx context.Context, taskID, status string) error
	SetTaskCancelled(ctx context.Context, taskID string, cancelled bool) error
	SetTaskLastRun(ctx context.Context, taskID string, at time.Time) error

	// TaskResult operations.
	RecordTaskResult(ctx context.Context, r *TaskResult) error

	// MetricSample operations.
	InsertMetricSample(ctx context.Context, s *MetricSample) error
	LatestMetric(ctx context.Context, deviceID string) (*MetricSample, error)

	// AlertRule operations.
	ListActiveAlertRules(ctx context.Context) ([]*AlertRule, error)
	SetAlertRuleLastFired(ctx context.Context, ruleID string, at time.Time) error

	// Setting operations.
	GetSetting(ctx context.Context, key string) (*Setting, error)
	ListSettings(ctx context.Context) ([]*Setting, error)
	SeedSettingIfAbsent(ctx context.Context, s *Setting) error
}
