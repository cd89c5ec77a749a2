//go:build windows

package svc

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"
)

const serviceName = "FluxGuardAgent"

var (
	shell32           = syscall.NewLazyDLL("shell32.dll")
	procShellExecuteW = shell32.NewProc("ShellExecuteW")
)

type scManager struct{}

func NewManager() Manager { return scManager{} }

func (scManager) Install(binaryPath string) error {
	dst := StagedBinaryPath()
	if err := stageBinary(binaryPath, dst); err != nil {
		if os.IsPermission(err) {
			if relaunchErr := elevateAndRerun("--install"); relaunchErr == nil {
				os.Exit(0)
			}
			return fmt.Errorf("stage binary: %w (elevation also failed)", err)
		}
		return err
	}
	if err := exec.Command("sc", "create", serviceName, "binPath=", dst, "start=", "auto").Run(); err != nil {
		return fmt.Errorf("sc create: %w", err)
	}
	return exec.Command("sc", "start", serviceName).Run()
}

func (scManager) Uninstall() error {
	exec.Command("sc", "stop", serviceName).Run()
	if err := exec.Command("sc", "delete", serviceName).Run(); err != nil {
		return fmt.Errorf("sc delete: %w", err)
	}
	return os.RemoveAll(DataDir())
}

func (scManager) Status() (string, error) {
	out, err := exec.Command("sc", "query", serviceName).CombinedOutput()
	if err != nil {
		return "not installed", nil
	}
	return string(out), nil
}

// elevateAndRerun relaunches the current executable with the "runas" verb,
// prompting UAC, so a non-elevated --install can still succeed.
func elevateAndRerun(arg string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	verbPtr, err := syscall.UTF16PtrFromString("runas")
	if err != nil {
		return err
	}
	exePtr, err := syscall.UTF16PtrFromString(exe)
	if err != nil {
		return err
	}
	argPtr, err := syscall.UTF16PtrFromString(arg)
	if err != nil {
		return err
	}
	cwdPtr, err := syscall.UTF16PtrFromString(cwd)
	if err != nil {
		return err
	}

	const swNormal = 1
	ret, _, _ := procShellExecuteW.Call(
		0,
		uintptr(unsafe.Pointer(verbPtr)),
		uintptr(unsafe.Pointer(exePtr)),
		uintptr(unsafe.Pointer(argPtr)),
		uintptr(unsafe.Pointer(cwdPtr)),
		uintptr(swNormal),
	)
	if ret <= 32 {
		return fmt.Errorf("ShellExecuteW failed with code %d", ret)
	}
	return nil
}
