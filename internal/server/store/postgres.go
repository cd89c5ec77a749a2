package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// poolConfig holds the connection-pool tuning fixed at startup; a fleet of
// several thousand short-lived agent checkins justifies a wider pool than a
// typical request-response service.
type poolConfig struct {
	maxConns          int32
	minConns          int32
	maxConnLifetime   time.Duration
	healthCheckPeriod time.Duration
}

var defaultPoolConfig = poolConfig{
	maxConns:          50,
	minConns:          5,
	maxConnLifetime:   time.Hour,
	healthCheckPeriod: 30 * time.Second,
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = defaultPoolConfig.maxConns
	config.MinConns = defaultPoolConfig.minConns
	config.MaxConnLifetime = defaultPoolConfig.maxConnLifetime
	config.HealthCheckPeriod = defaultPoolConfig.healthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (device_id, hostname, platform, os_info, ip_address, mac_address,
			agent_version, status, last_seen, cpu_percent, ram_percent, disk_percent,
			battery_level, charging, group_name, lockdown, pending_reboot, disk_details, hw_snapshot,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19, NOW(), NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			platform = EXCLUDED.platform,
			os_info = EXCLUDED.os_info,
			ip_address = EXCLUDED.ip_address,
			mac_address = EXCLUDED.mac_address,
			agent_version = EXCLUDED.agent_version,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen,
			cpu_percent = EXCLUDED.cpu_percent,
			ram_percent = EXCLUDED.ram_percent,
			disk_percent = EXCLUDED.disk_percent,
			battery_level = EXCLUDED.battery_level,
			charging = EXCLUDED.charging,
			pending_reboot = EXCLUDED.pending_reboot,
			disk_details = CASE WHEN EXCLUDED.disk_details <> '' THEN EXCLUDED.disk_details ELSE devices.disk_details END,
			hw_snapshot = CASE WHEN EXCLUDED.hw_snapshot <> '' THEN EXCLUDED.hw_snapshot ELSE devices.hw_snapshot END,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		d.DeviceID, d.Hostname, d.Platform, d.OSInfo, d.IPAddress, d.MACAddress,
		d.AgentVersion, d.Status, d.LastSeen, d.CPUPercent, d.RAMPercent, d.DiskPercent,
		d.BatteryLevel, d.Charging, d.GroupName, d.Lockdown, d.PendingReboot, d.DiskDetails, d.HWSnapshot,
	)
	return err
}

func (s *PostgresStore) scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.DeviceID, &d.Hostname, &d.Platform, &d.OSInfo, &d.IPAddress, &d.MACAddress,
		&d.AgentVersion, &d.Status, &d.LastSeen, &d.CPUPercent, &d.RAMPercent, &d.DiskPercent,
		&d.BatteryLevel, &d.Charging, &d.GroupName, &d.Lockdown, &d.PendingReboot,
		&d.DiskDetails, &d.HWSnapshot, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const deviceColumns = `device_id, hostname, platform, os_info, ip_address, mac_address,
	agent_version, status, last_seen, cpu_percent, ram_percent, disk_percent,
	battery_level, charging, group_name, lockdown, pending_reboot, disk_details, hw_snapshot,
	created_at, updated_at`

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id=$1`, deviceID)
	return s.scanDevice(row)
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

func (s *PostgresStore) ListDevicesByGroup(ctx context.Context, group string) ([]*Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE group_name=$1`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

func collectDevices(rows pgx.Rows) ([]*Device, error) {
	var out []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(
			&d.DeviceID, &d.Hostname, &d.Platform, &d.OSInfo, &d.IPAddress, &d.MACAddress,
			&d.AgentVersion, &d.Status, &d.LastSeen, &d.CPUPercent, &d.RAMPercent, &d.DiskPercent,
			&d.BatteryLevel, &d.Charging, &d.GroupName, &d.Lockdown, &d.PendingReboot,
			&d.DiskDetails, &d.HWSnapshot, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDeviceStatus(ctx context.Context, deviceID, status string, at time.Time) error {
	var err error
	if status == DeviceOnline {
		_, err = s.pool.Exec(ctx, `UPDATE devices SET status=$2, last_seen=$3, updated_at=NOW() WHERE device_id=$1`, deviceID, status, at)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE devices SET status=$2, updated_at=NOW() WHERE device_id=$1`, deviceID, status)
	}
	return err
}

func (s *PostgresStore) ListOnlineDevicesSeenBefore(ctx context.Context, cutoff time.Time) ([]*Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE status=$1 AND last_seen < $2`, DeviceOnline, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

const taskColumns = `task_id, name, script_type, script_body, trigger_type, scheduled_at,
	interval_seconds, cron_expr, event_trigger, target_type, target_id, status, cancelled, last_run, created_at`

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14, NOW())
	`, t.TaskID, t.Name, t.ScriptType, t.ScriptBody, t.TriggerType, t.ScheduledAt,
		t.IntervalSeconds, t.CronExpr, t.EventTrigger, t.TargetType, t.TargetID,
		t.Status, t.Cancelled, t.LastRun)
	return err
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.TaskID, &t.Name, &t.ScriptType, &t.ScriptBody, &t.TriggerType, &t.ScheduledAt,
		&t.IntervalSeconds, &t.CronExpr, &t.EventTrigger, &t.TargetType, &t.TargetID,
		&t.Status, &t.Cancelled, &t.LastRun, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id=$1`, taskID)
	return scanTask(row)
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.TaskID, &t.Name, &t.ScriptType, &t.ScriptBody, &t.TriggerType, &t.ScheduledAt,
			&t.IntervalSeconds, &t.CronExpr, &t.EventTrigger, &t.TargetType, &t.TargetID,
			&t.Status, &t.Cancelled, &t.LastRun, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPendingTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=$1 AND cancelled=false ORDER BY created_at`, TaskPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) ListSnapshotTasksForDevice(ctx context.Context, deviceID, group string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status=$1 AND cancelled=false AND trigger_type IN ('once','interval','cron','event')
		  AND (target_type='all'
		       OR (target_type='device' AND target_id=$2)
		       OR (target_type='group' AND target_id=$3 AND $3 <> ''))
	`, TaskPending, deviceID, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) SetTaskStatus(ctx context.Context, taskID, status string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET status=$2 WHERE task_id=$1`, taskID, status)
	return err
}

func (s *PostgresStore) SetTaskCancelled(ctx context.Context, taskID string, cancelled bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET cancelled=$2 WHERE task_id=$1`, taskID, cancelled)
	return err
}

func (s *PostgresStore) SetTaskLastRun(ctx context.Context, taskID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET last_run=$2 WHERE task_id=$1`, taskID, at)
	return err
}

func (s *PostgresStore) RecordTaskResult(ctx context.Context, r *TaskResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_results (task_id, device_id, exit_code, stdout, stderr, status, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.TaskID, r.DeviceID, r.ExitCode, r.Stdout, r.Stderr, r.Status, r.StartedAt, r.CompletedAt)
	return err
}

func (s *PostgresStore) InsertMetricSample(ctx context.Context, m *MetricSample) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric_samples (device_id, recorded_at, cpu, ram, disk, battery)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.DeviceID, m.RecordedAt, m.CPU, m.RAM, m.Disk, m.Battery)
	if err != nil {
		return err
	}
	// Opportunistic retention prune.
	_, err = s.pool.Exec(ctx, `DELETE FROM metric_samples WHERE device_id=$1 AND recorded_at < $2`,
		m.DeviceID, m.RecordedAt.Add(-MetricRetention))
	return err
}

func (s *PostgresStore) LatestMetric(ctx context.Context, deviceID string) (*MetricSample, error) {
	var m MetricSample
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, recorded_at, cpu, ram, disk, battery FROM metric_samples
		WHERE device_id=$1 ORDER BY recorded_at DESC LIMIT 1
	`, deviceID).Scan(&m.DeviceID, &m.RecordedAt, &m.CPU, &m.RAM, &m.Disk, &m.Battery)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListActiveAlertRules(ctx context.Context) ([]*AlertRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, metric, operator, threshold, duration_minutes, target_type, target_id, action, active, last_fired
		FROM alert_rules WHERE active=true
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertRule
	for rows.Next() {
		var r AlertRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Metric, &r.Operator, &r.Threshold, &r.DurationMinutes,
			&r.TargetType, &r.TargetID, &r.Action, &r.Active, &r.LastFired); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetAlertRuleLastFired(ctx context.Context, ruleID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE alert_rules SET last_fired=$2 WHERE id=$1`, ruleID, at)
	return err
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (*Setting, error) {
	var st Setting
	err := s.pool.QueryRow(ctx, `SELECT key, value, label, category FROM settings WHERE key=$1`, key).
		Scan(&st.Key, &st.Value, &st.Label, &st.Category)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) ListSettings(ctx context.Context) ([]*Setting, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, label, category FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.Label, &st.Category); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SeedSettingIfAbsent(ctx context.Context, st *Setting) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, label, category) VALUES ($1,$2,$3,$4)
		ON CONFLICT (key) DO NOTHING
	`, st.Key, st.Value, st.Label, st.Category)
	return err
}
