//go:build windows

package channel

import (
	"log"
	"os/exec"
)

// quickActionCommands maps a quick_action name to the OS command that
// performs it. Shutdown/restart carry a 30s grace period so the operator
// toast (if any) has time to display before the host goes down.
var quickActionCommands = map[string][]string{
	"shutdown": {"shutdown", "/s", "/t", "30"},
	"restart":  {"shutdown", "/r", "/t", "30"},
	"lock":     {"rundll32.exe", "user32.dll,LockWorkStation"},
	"sleep":    {"rundll32.exe", "powrprof.dll,SetSuspendState", "0", "1", "0"},
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
