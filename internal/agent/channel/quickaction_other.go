//go:build !windows

package channel

import (
	"log"
	"os/exec"
)

// quickActionCommands covers the Linux/macOS equivalents of the Windows
// power actions. lock/sleep are best-effort: both depend on a running
// session manager (logind/pmset) that may not be present on a headless box.
var quickActionCommands = map[string][]string{
	"shutdown": {"shutdown", "-h", "+0"},
	"restart":  {"shutdown", "-r", "+0"},
	"lock":     {"loginctl", "lock-session"},
	"sleep":    {"systemctl", "suspend"},
}

func doQuickAction(action string) bool {
	cmd, ok := quickActionCommands[action]
	if !ok {
		log.Printf("channel: quick_action: unknown action %q", action)
		return false
	}
	if err := exec.Command(cmd[0], cmd[1:]...).Start(); err != nil {
		log.Printf("channel: quick_action %q failed: %v", action, err)
		return false
	}
	return true
}
