package channel

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// runWithTimeout runs cmd, killing it if it outlives timeout, and returns
// its captured stdout.
func runWithTimeout(cmd *exec.Cmd, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		return "", err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return "", ctx.Err()
	case err := <-done:
		return stdout.String(), err
	}
}
