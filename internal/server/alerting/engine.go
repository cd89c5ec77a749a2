// Package alerting records heartbeat telemetry into
// MetricSample rows and runs the periodic alert rule engine.
package alerting

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/fluxguard/internal/server/email"
	"github.com/itskum47/fluxguard/internal/server/observability"
	"github.com/itskum47/fluxguard/internal/server/store"
)

const (
	ruleTick = 120 * time.Second
	warmup   = 90 * time.Second
)

// Registry reports which devices currently have a live agent channel.
type Registry interface {
	IsAgentRegistered(deviceID string) bool
}

// Engine owns both the per-heartbeat recorder and the periodic rule loop.
type Engine struct {
	store  store.Store
	conns  Registry
	mailer email.Sender
}

func New(s store.Store, conns Registry, mailer email.Sender) *Engine {
	return &Engine{store: s, conns: conns, mailer: mailer}
}

// RecordHeartbeat inserts one MetricSample for a heartbeat's telemetry
//. Called synchronously from the agent
// channel handler on each heartbeat.
func (e *Engine) RecordHeartbeat(ctx context.Context, deviceID string, cpu, ram, disk, battery float64) error {
	return e.store.InsertMetricSample(ctx, &store.MetricSample{
		DeviceID:   deviceID,
		RecordedAt: time.Now().UTC(),
		CPU:        cpu,
		RAM:        ram,
		Disk:       disk,
		Battery:    battery,
	})
}

// Run blocks, evaluating alert rules every 120s after a 90s warm-up.
func (e *Engine) Run(ctx context.Context) {
	select {
	case <-time.After(warmup):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(ruleTick)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("alerting: tick panicked: %v", r)
		}
	}()

	rules, err := e.store.ListActiveAlertRules(ctx)
	if err != nil {
		log.Printf("alerting: failed to list rules: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, rule := range rules {
		if rule.Throttled(now) {
			continue
		}
		e.evaluateRule(ctx, rule, now)
	}
}

func (e *Engine) evaluateRule(ctx context.Context, rule *store.AlertRule, now time.Time) {
	devices, err := e.devicesInScope(ctx, rule)
	if err != nil {
		log.Printf("alerting: failed to resolve scope for rule %s: %v", rule.ID, err)
		return
	}

	for _, dev := range devices {
		if dev.Status != store.DeviceOnline || !e.conns.IsAgentRegistered(dev.DeviceID) {
			continue
		}
		sample, err := e.store.LatestMetric(ctx, dev.DeviceID)
		if err != nil || sample == nil {
			continue
		}

		observed := metricValue(rule.Metric, sample)
		if !rule.Evaluate(observed) {
			continue
		}

		if err := e.store.SetAlertRuleLastFired(ctx, rule.ID, now); err != nil {
			log.Printf("alerting: failed to set last_fired for %s: %v", rule.ID, err)
			continue
		}

		observability.AlertsFired.WithLabelValues(rule.Name, rule.Action).Inc()
		if rule.Action == store.ActionEmail {
			email.SendBestEffort(e.mailer, email.AlertPayload{
				Kind:        "alert_task_failed",
				DeviceID:    dev.DeviceID,
				DeviceLabel: dev.Hostname,
				RuleName:    rule.Name,
				Threshold:   rule.Threshold,
				Observed:    observed,
			})
		}
		log.Printf("alerting: warn: rule %q triggered for device %s (observed=%.2f threshold=%.2f)",
			rule.Name, dev.DeviceID, observed, rule.Threshold)

		// First device trip is enough to throttle the rule for an hour;
		// continue so every in-scope device still gets logged/emailed once
		// this tick, matching "evaluate for each currently-registered,
		// online device in scope.
	}
}

func (e *Engine) devicesInScope(ctx context.Context, rule *store.AlertRule) ([]*store.Device, error) {
	switch rule.TargetType {
	case store.TargetDevice:
		d, err := e.store.GetDevice(ctx, rule.TargetID)
		if err != nil || d == nil {
			return nil, err
		}
		return []*store.Device{d}, nil
	case store.TargetGroup:
		return e.store.ListDevicesByGroup(ctx, rule.TargetID)
	default:
		return e.store.ListDevices(ctx)
	}
}

func metricValue(metric string, s *store.MetricSample) float64 {
	switch metric {
	case store.MetricCPU:
		return s.CPU
	case store.MetricRAM:
		return s.RAM
	case store.MetricDisk:
		return s.Disk
	case store.MetricBattery:
		return s.Battery
	default:
		return 0
	}
}
