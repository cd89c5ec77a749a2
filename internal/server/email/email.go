// Package email is the boundary to the external SMTP collaborator. Real
// transport details are explicitly out of scope; this package
// defines the interface the core calls and a log-based default that never
// blocks or fails the caller.
package email

import "log"

// AlertPayload is what the core hands the collaborator for a triggered
// alert rule or an offline device.
type AlertPayload struct {
	Kind         string // "device_offline", "alert_task_failed", "task_failed"
	DeviceID     string
	DeviceLabel  string
	RuleName     string
	Threshold    float64
	Observed     float64
	Message      string
}

// Sender is the collaborator boundary. Implementations must be safe to call
// concurrently from multiple loops.
type Sender interface {
	Send(p AlertPayload) error
}

// LogSender is the default Sender: it writes the alert to the process log
// instead of dispatching real email. Safe for concurrent use because
// log.Printf already serializes internally.
type LogSender struct{}

func NewLogSender() *LogSender { return &LogSender{} }

func (LogSender) Send(p AlertPayload) error {
	log.Printf("email[%s]: device=%s rule=%q threshold=%.2f observed=%.2f msg=%q",
		p.Kind, p.DeviceID, p.RuleName, p.Threshold, p.Observed, p.Message)
	return nil
}

// SendBestEffort calls s.Send and only logs a failure — callers never
// propagate collaborator errors upward.
func SendBestEffort(s Sender, p AlertPayload) {
	if err := s.Send(p); err != nil {
		log.Printf("email: send failed (kind=%s device=%s): %v", p.Kind, p.DeviceID, err)
	}
}
