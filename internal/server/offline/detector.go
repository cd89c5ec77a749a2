// Package offline runs the periodic loop that transitions silent
// online devices to offline and emits side-effects.
package offline

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/fluxguard/internal/server/email"
	"github.com/itskum47/fluxguard/internal/server/observability"
	"github.com/itskum47/fluxguard/internal/server/store"
)

const (
	tickInterval = 60 * time.Second
	warmup       = 60 * time.Second

	// DefaultOfflineMinutes is the fallback silence window.
	DefaultOfflineMinutes = 10
)

// Broadcaster is the dashboard fan-out surface the detector needs.
type Broadcaster interface {
	Broadcast(payload interface{})
}

// Registry is the subset of the connection registry the detector checks
// against, so a live channel always wins over a stale last_seen.
type Registry interface {
	IsAgentRegistered(deviceID string) bool
}

type deviceOfflineEvent struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// Detector runs the offline-detection loop.
type Detector struct {
	store          store.Store
	conns          Registry
	dashboards     Broadcaster
	mailer         email.Sender
	offlineMinutes int
}

func New(s store.Store, conns Registry, dashboards Broadcaster, mailer email.Sender, offlineMinutes int) *Detector {
	if offlineMinutes <= 0 {
		offlineMinutes = DefaultOfflineMinutes
	}
	return &Detector{store: s, conns: conns, dashboards: dashboards, mailer: mailer, offlineMinutes: offlineMinutes}
}

// Run blocks, waiting out the startup warm-up before ticking every 60s
// until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	select {
	case <-time.After(warmup):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("offline: tick panicked: %v", r)
		}
	}()

	cutoff := time.Now().UTC().Add(-time.Duration(d.offlineMinutes) * time.Minute)
	candidates, err := d.store.ListOnlineDevicesSeenBefore(ctx, cutoff)
	if err != nil {
		log.Printf("offline: failed to list candidates: %v", err)
		return
	}

	for _, dev := range candidates {
		// Re-check the live registry right before transitioning: a
		// connection opened between the DB query and now must win.
		if d.conns.IsAgentRegistered(dev.DeviceID) {
			continue
		}
		if err := d.store.MarkDeviceStatus(ctx, dev.DeviceID, store.DeviceOffline, time.Now().UTC()); err != nil {
			log.Printf("offline: failed to mark %s offline: %v", dev.DeviceID, err)
			continue
		}

		observability.DeviceOfflineTransitions.Inc()
		d.dashboards.Broadcast(deviceOfflineEvent{Type: "device_offline", DeviceID: dev.DeviceID})
		email.SendBestEffort(d.mailer, email.AlertPayload{
			Kind:        "device_offline",
			DeviceID:    dev.DeviceID,
			DeviceLabel: dev.Hostname,
			Message:     "device went silent past the offline window",
		})
	}
}
