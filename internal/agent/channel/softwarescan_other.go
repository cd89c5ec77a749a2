//go:build !windows

package channel

import (
	"log"
	"strings"
	"time"

	"os/exec"

	"github.com/itskum47/fluxguard/internal/protocol"
)

var softwareScanTimeout = 60 * time.Second

// collectSoftware falls back to whichever package manager is on $PATH.
// There is no single cross-distro inventory source the way the Windows
// uninstall registry keys are, so this is best-effort: an empty result
// just means neither manager is present.
func collectSoftware() []protocol.SoftwareApp {
	if apps := collectDpkg(); apps != nil {
		return apps
	}
	return collectRPM()
}

func collectDpkg() []protocol.SoftwareApp {
	out, err := runWithTimeout(exec.Command("dpkg-query", "-W", "-f", `${Package}\t${Version}\t${Maintainer}\n`), softwareScanTimeout)
	if err != nil {
		return nil
	}
	var apps []protocol.SoftwareApp
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		app := protocol.SoftwareApp{Name: fields[0], Version: fields[1]}
		if len(fields) == 3 {
			app.Publisher = fields[2]
		}
		apps = append(apps, app)
	}
	return apps
}

func collectRPM() []protocol.SoftwareApp {
	out, err := runWithTimeout(exec.Command("rpm", "-qa", "--qf", `%{NAME}\t%{VERSION}\t%{VENDOR}\n`), softwareScanTimeout)
	if err != nil {
		log.Printf("channel: software_scan: no dpkg or rpm available: %v", err)
		return nil
	}
	var apps []protocol.SoftwareApp
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		app := protocol.SoftwareApp{Name: fields[0], Version: fields[1]}
		if len(fields) == 3 {
			app.Publisher = fields[2]
		}
		apps = append(apps, app)
	}
	return apps
}
