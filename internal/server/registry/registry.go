// Package registry holds the server-side table of live agent
// channels and dashboard subscribers, as two maps behind one mutex,
// exposed only through the Registry's methods.
package registry

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/itskum47/fluxguard/internal/server/observability"
)

// Registry holds both connection tables. All methods are safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*websocket.Conn // device_id -> channel
	dashboards map[string]*websocket.Conn // session_id -> channel
}

func New() *Registry {
	return &Registry{
		agents:     make(map[string]*websocket.Conn),
		dashboards: make(map[string]*websocket.Conn),
	}
}

// RegisterAgent inserts the channel for deviceID, closing and replacing any
// prior connection for the same device (a reconnect supersedes the old
// channel).
func (r *Registry) RegisterAgent(deviceID string, conn *websocket.Conn) {
	r.mu.Lock()
	old, existed := r.agents[deviceID]
	r.agents[deviceID] = conn
	r.mu.Unlock()
	if existed && old != conn {
		old.Close()
	}
	observability.RegisteredAgents.Set(float64(r.AgentCount()))
}

// UnregisterAgent removes deviceID only if its current channel is conn —
// guards against a slow unregister from a superseded connection clobbering
// a newer one.
func (r *Registry) UnregisterAgent(deviceID string, conn *websocket.Conn) {
	r.mu.Lock()
	if cur, ok := r.agents[deviceID]; ok && cur == conn {
		delete(r.agents, deviceID)
	}
	r.mu.Unlock()
	observability.RegisteredAgents.Set(float64(r.AgentCount()))
}

// GetAgent returns the channel for deviceID, or nil if not registered.
func (r *Registry) GetAgent(deviceID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[deviceID]
}

// IsAgentRegistered reports whether deviceID currently has a live channel.
func (r *Registry) IsAgentRegistered(deviceID string) bool {
	return r.GetAgent(deviceID) != nil
}

func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// AllAgentIDs returns every currently registered device_id.
func (r *Registry) AllAgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

func (r *Registry) RegisterDashboard(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	r.dashboards[sessionID] = conn
	r.mu.Unlock()
	observability.RegisteredDashboards.Set(float64(r.DashboardCount()))
}

func (r *Registry) UnregisterDashboard(sessionID string) {
	r.mu.Lock()
	delete(r.dashboards, sessionID)
	r.mu.Unlock()
	observability.RegisteredDashboards.Set(float64(r.DashboardCount()))
}

func (r *Registry) DashboardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dashboards)
}

// Broadcast sends payload to every subscribed dashboard, best-effort: a
// per-subscriber send failure is logged and otherwise ignored.
func (r *Registry) Broadcast(payload interface{}) {
	r.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(r.dashboards))
	for _, c := range r.dashboards {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteJSON(payload); err != nil {
			log.Printf("registry: dashboard broadcast send failed: %v", err)
		}
	}
}

// SendToAgent writes payload to deviceID's channel if registered, returning
// whether a channel existed. Per-target send failures are the caller's
// concern.
func (r *Registry) SendToAgent(deviceID string, payload interface{}) (sent bool, err error) {
	conn := r.GetAgent(deviceID)
	if conn == nil {
		return false, nil
	}
	return true, conn.WriteJSON(payload)
}
