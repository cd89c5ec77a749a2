//go:build darwin

package svc

import (
	"fmt"
	"os"
	"os/exec"
)

const plistPath = "/Library/LaunchDaemons/com.fluxguard.agent.plist"

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.fluxguard.agent</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
</dict>
</plist>
`

type launchdManager struct{}

func NewManager() Manager { return launchdManager{} }

func (launchdManager) Install(binaryPath string) error {
	dst := StagedBinaryPath()
	if err := stageBinary(binaryPath, dst); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(fmt.Sprintf(plistTemplate, dst)), 0o644); err != nil {
		return fmt.Errorf("write launchd plist: %w", err)
	}
	return exec.Command("launchctl", "load", "-w", plistPath).Run()
}

func (launchdManager) Uninstall() error {
	exec.Command("launchctl", "unload", plistPath).Run()
	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove launchd plist: %w", err)
	}
	return os.RemoveAll(DataDir())
}

func (launchdManager) Status() (string, error) {
	out, err := exec.Command("launchctl", "list", "com.fluxguard.agent").CombinedOutput()
	if err != nil {
		return "not installed", nil
	}
	return string(out), nil
}
