//go:build !windows && !linux && !darwin

package svc

import "fmt"

type unsupportedManager struct{}

func NewManager() Manager { return unsupportedManager{} }

func (unsupportedManager) Install(string) error {
	return fmt.Errorf("boot-time install is not supported on this platform")
}

func (unsupportedManager) Uninstall() error {
	return fmt.Errorf("boot-time uninstall is not supported on this platform")
}

func (unsupportedManager) Status() (string, error) {
	return "unsupported platform", nil
}
