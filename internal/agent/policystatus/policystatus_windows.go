//go:build windows

package policystatus

import (
	"context"
	"log"
	"os/exec"
	"regexp"
	"time"

	"golang.org/x/sys/windows/registry"
)

var gpresultTimeout = 30 * time.Second

// rebootPendingKeys mirrors the Component Based Servicing and Windows
// Update reboot markers: presence of either key means a reboot is pending.
var rebootPendingKeys = []struct {
	root registry.Key
	path string
}{
	{registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows\CurrentVersion\Component Based Servicing\RebootPending`},
	{registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows\CurrentVersion\WindowsUpdate\Auto Update\RebootRequired`},
}

const (
	sessionManagerKeyPath  = `SYSTEM\CurrentControlSet\Control\Session Manager`
	pendingFileRenameValue = "PendingFileRenameOperations"
)

var gpupdatePattern = regexp.MustCompile(`Last time Group Policy was applied:\s*(.+)`)

var gpupdateFormats = []string{
	"1/2/2006 at 3:04:05 PM",
	"2/1/2006 at 15:04:05",
	"2006-01-02 15:04:05",
}

// WindowsCollector reads reboot-pending registry markers and the last
// gpupdate time from gpresult output.
type WindowsCollector struct{}

func NewCollector() *WindowsCollector { return &WindowsCollector{} }

func (WindowsCollector) Collect() Status {
	return Status{
		PendingReboot:   checkPendingReboot(),
		LastPolicyApply: lastGPUpdate(),
	}
}

func checkPendingReboot() bool {
	for _, k := range rebootPendingKeys {
		key, err := registry.OpenKey(k.root, k.path, registry.QUERY_VALUE)
		if err == nil {
			key.Close()
			return true
		}
	}
	return pendingFileRenameSet()
}

// pendingFileRenameSet reports whether Session Manager has a non-empty
// PendingFileRenameOperations value, the third reboot-pending signal a
// failed or queued file move (typically from an installer) leaves behind.
func pendingFileRenameSet() bool {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, sessionManagerKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	defer key.Close()

	vals, _, err := key.GetStringsValue(pendingFileRenameValue)
	if err != nil {
		return false
	}
	return len(vals) > 0
}

func lastGPUpdate() *time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), gpresultTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "gpresult", "/r").CombinedOutput()
	if err != nil {
		log.Printf("policystatus: gpresult failed: %v", err)
		return nil
	}

	match := gpupdatePattern.FindStringSubmatch(string(out))
	if match == nil {
		return nil
	}

	dateStr := match[1]
	for _, layout := range gpupdateFormats {
		if t, err := time.Parse(layout, dateStr); err == nil {
			return &t
		}
	}
	log.Printf("policystatus: could not parse gpresult date %q", dateStr)
	return nil
}
