//go:build windows

package tools

import "os/exec"

// killProcessGroup leaves the default kill in place; WaitDelay bounds any
// orphaned children
func killProcessGroup(cmd *exec.Cmd) {}
