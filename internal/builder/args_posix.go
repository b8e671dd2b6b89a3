//go:build !windows

package builder

import "os/exec"

// applyArgv passes args directly; POSIX exec() takes an argv vector, so no
// quoting is needed (the shell-quoting problem only exists once arguments
// get serialized into a single command-line string, which is a Windows
// CreateProcess concern — see args_windows.go).
func applyArgv(cmd *exec.Cmd, program string, args []string) {
	cmd.Args = append([]string{program}, args...)
}
