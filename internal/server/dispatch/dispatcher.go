// Package dispatch runs the server loop that promotes due tasks
// from pending and sends them to targeted agents, around a single
// status-flip commit point for each task.
package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/fluxguard/internal/protocol"
	"github.com/itskum47/fluxguard/internal/server/observability"
	"github.com/itskum47/fluxguard/internal/server/store"
	"github.com/itskum47/fluxguard/internal/trigger"
)

const tickInterval = 30 * time.Second

// AgentSender abstracts the connection registry's agent-facing surface so
// the dispatcher depends only on what it needs.
type AgentSender interface {
	IsAgentRegistered(deviceID string) bool
	AllAgentIDs() []string
	SendToAgent(deviceID string, payload interface{}) (sent bool, err error)
}

// Dispatcher runs the 30s promotion loop.
type Dispatcher struct {
	store store.Store
	conns AgentSender
}

func New(s store.Store, conns AgentSender) *Dispatcher {
	return &Dispatcher{store: s, conns: conns}
}

// Run blocks, ticking every 30s until ctx is cancelled. Every background
// loop must survive a handled failure: each
// tick's work is wrapped so a single bad task never kills the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatcher: tick panicked: %v", r)
		}
	}()

	pending, err := d.store.ListPendingTasks(ctx)
	if err != nil {
		log.Printf("dispatcher: failed to list pending tasks: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, t := range pending {
		if !d.isDue(t, now) {
			continue
		}
		d.dispatch(ctx, t)
	}
}

// isDue evaluates the one-shot/immediate trigger rules server-side.
// Recurring tasks (interval/cron/event) are shipped to agents at check-in
// and evaluated there; this loop only promotes
// now/once here.
func (d *Dispatcher) isDue(t *store.Task, now time.Time) bool {
	switch t.TriggerType {
	case store.TriggerNow:
		return true
	case store.TriggerOnce:
		return trigger.IsDue(trigger.Task{TriggerType: trigger.Once, ScheduledAt: t.ScheduledAt}, now)
	default:
		return false
	}
}

// dispatch flips status then resolves and sends to targets. The status
// flip is the commit point: per-target send failures never roll it back.
func (d *Dispatcher) dispatch(ctx context.Context, t *store.Task) {
	if err := d.store.SetTaskStatus(ctx, t.TaskID, store.TaskDispatched); err != nil {
		log.Printf("dispatcher: failed to flip task %s to dispatched: %v", t.TaskID, err)
		return
	}
	t.Status = store.TaskDispatched

	targets := d.resolveTargets(ctx, t)
	envelope, err := protocol.NewEnvelope(protocol.TypeRunTask, protocol.RunTaskPayload{
		TaskID:     t.TaskID,
		Name:       t.Name,
		ScriptType: t.ScriptType,
		ScriptBody: t.ScriptBody,
	})
	if err != nil {
		log.Printf("dispatcher: failed to encode run_task for %s: %v", t.TaskID, err)
		return
	}

	for _, deviceID := range targets {
		sent, err := d.conns.SendToAgent(deviceID, envelope)
		if err != nil {
			log.Printf("dispatcher: send to %s failed for task %s: %v", deviceID, t.TaskID, err)
			continue
		}
		if sent {
			observability.TasksDispatched.WithLabelValues(t.TargetType).Inc()
		}
	}
}

// resolveTargets expands a task's target_type/target_id into device IDs.
func (d *Dispatcher) resolveTargets(ctx context.Context, t *store.Task) []string {
	switch t.TargetType {
	case store.TargetDevice:
		if t.TargetID != "" && d.conns.IsAgentRegistered(t.TargetID) {
			return []string{t.TargetID}
		}
		return nil
	case store.TargetGroup:
		devices, err := d.store.ListDevicesByGroup(ctx, t.TargetID)
		if err != nil {
			log.Printf("dispatcher: failed to list group %s: %v", t.TargetID, err)
			return nil
		}
		out := make([]string, 0, len(devices))
		for _, dev := range devices {
			if d.conns.IsAgentRegistered(dev.DeviceID) {
				out = append(out, dev.DeviceID)
			}
		}
		return out
	default: // all
		return d.conns.AllAgentIDs()
	}
}
