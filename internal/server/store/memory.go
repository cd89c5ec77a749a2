package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests that don't need a live
// Postgres instance.
type MemoryStore struct {
	mu         sync.RWMutex
	devices    map[string]*Device
	tasks      map[string]*Task
	results    []*TaskResult
	metrics    map[string][]*MetricSample
	rules      map[string]*AlertRule
	settings   map[string]*Setting
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*Device),
		tasks:    make(map[string]*Task),
		metrics:  make(map[string][]*MetricSample),
		rules:    make(map[string]*AlertRule),
		settings: make(map[string]*Setting),
	}
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.devices[d.DeviceID] = &cp
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryStore) ListDevicesByGroup(ctx context.Context, group string) ([]*Device, error) {
	all, _ := s.ListDevices(ctx)
	out := make([]*Device, 0)
	for _, d := range all {
		if d.GroupName == group {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkDeviceStatus(ctx context.Context, deviceID, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	d.Status = status
	if status == DeviceOnline {
		d.LastSeen = at
	}
	return nil
}

func (s *MemoryStore) ListOnlineDevicesSeenBefore(ctx context.Context, cutoff time.Time) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Device, 0)
	for _, d := range s.devices {
		if d.Status == DeviceOnline && d.LastSeen.Before(cutoff) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListPendingTasks(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.Status == TaskPending && !t.Cancelled {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListSnapshotTasksForDevice(ctx context.Context, deviceID, group string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.Status != TaskPending || t.Cancelled {
			continue
		}
		switch t.TriggerType {
		case TriggerOnce, TriggerInterval, TriggerCron, TriggerEvent:
		default:
			continue
		}
		if !targetsDevice(t, deviceID, group) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// targetsDevice reports whether t is addressed to deviceID, either directly,
// through group, or as an all-fleet task.
func targetsDevice(t *Task, deviceID, group string) bool {
	switch t.TargetType {
	case TargetDevice:
		return t.TargetID == deviceID
	case TargetGroup:
		return group != "" && t.TargetID == group
	default: // all
		return true
	}
}

func (s *MemoryStore) SetTaskStatus(ctx context.Context, taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.Status = status
	return nil
}

func (s *MemoryStore) SetTaskCancelled(ctx context.Context, taskID string, cancelled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.Cancelled = cancelled
	return nil
}

func (s *MemoryStore) SetTaskLastRun(ctx context.Context, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.LastRun = &at
	return nil
}

func (s *MemoryStore) RecordTaskResult(ctx context.Context, r *TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results = append(s.results, &cp)
	return nil
}

func (s *MemoryStore) InsertMetricSample(ctx context.Context, m *MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	samples := append(s.metrics[m.DeviceID], &cp)

	// Opportunistic retention prune.
	cutoff := m.RecordedAt.Add(-MetricRetention)
	kept := samples[:0]
	for _, s := range samples {
		if s.RecordedAt.After(cutoff) {
			kept = append(kept, s)
		}
	}
	s.metrics[m.DeviceID] = kept
	return nil
}

func (s *MemoryStore) LatestMetric(ctx context.Context, deviceID string) (*MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.metrics[deviceID]
	if len(samples) == 0 {
		return nil, nil
	}
	latest := samples[0]
	for _, s := range samples[1:] {
		if s.RecordedAt.After(latest.RecordedAt) {
			latest = s
		}
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListActiveAlertRules(ctx context.Context) ([]*AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AlertRule, 0)
	for _, r := range s.rules {
		if r.Active {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetAlertRuleLastFired(ctx context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return nil
	}
	r.LastFired = &at
	return nil
}

// PutRule is a test helper exposing direct rule seeding.
func (s *MemoryStore) PutRule(r *AlertRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rules[r.ID] = &cp
}

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) ListSettings(ctx context.Context) ([]*Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Setting, 0, len(s.settings))
	for _, v := range s.settings {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SeedSettingIfAbsent(ctx context.Context, st *Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[st.Key]; ok {
		return nil
	}
	cp := *st
	s.settings[st.Key] = &cp
	return nil
}
