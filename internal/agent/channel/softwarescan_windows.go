//go:build windows

package channel

import (
	"encoding/json"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/itskum47/fluxguard/internal/protocol"
)

var softwareScanTimeout = 60 * time.Second

type uninstallEntry struct {
	DisplayName    string `json:"DisplayName"`
	DisplayVersion string `json:"DisplayVersion"`
	Publisher      string `json:"Publisher"`
	InstallDate    string `json:"InstallDate"`
}

// collectSoftware enumerates the installed-program registry keys via
// PowerShell, the only reliable source of Programs-and-Features data on
// Windows (there is no WMI class that is both fast and complete).
func collectSoftware() []protocol.SoftwareApp {
	cmd := exec.Command("powershell", "-Command",
		`Get-ItemProperty HKLM:\Software\Microsoft\Windows\CurrentVersion\Uninstall\*,`+
			`HKLM:\Software\Wow6432Node\Microsoft\Windows\CurrentVersion\Uninstall\* `+
			`| Select-Object DisplayName,DisplayVersion,Publisher,InstallDate `+
			`| Where-Object {$_.DisplayName} | ConvertTo-Json -Depth 2`)

	out, err := runWithTimeout(cmd, softwareScanTimeout)
	if err != nil {
		log.Printf("channel: software_scan: powershell failed: %v", err)
		return nil
	}

	var entries []uninstallEntry
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil
	}
	if trimmed[0] == '{' {
		var single uninstallEntry
		if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
			log.Printf("channel: software_scan: parse failed: %v", err)
			return nil
		}
		entries = []uninstallEntry{single}
	} else if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		log.Printf("channel: software_scan: parse failed: %v", err)
		return nil
	}

	apps := make([]protocol.SoftwareApp, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSpace(e.DisplayName)
		if name == "" {
			continue
		}
		apps = append(apps, protocol.SoftwareApp{
			Name: name, Version: strings.TrimSpace(e.DisplayVersion),
			Publisher: strings.TrimSpace(e.Publisher), InstallDate: strings.TrimSpace(e.InstallDate),
		})
	}
	return apps
}
