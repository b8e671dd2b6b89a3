package builder

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
)

// DefaultResponseFileLimit is the command-line length, in bytes, above
// which a command switches to response-file mode. 8100 stays just under
// the historical 8191-character Windows command-interpreter limit
// (CreateProcess itself accepts up to 32767 characters); it is used as
// the default on every OS for consistent, portable behavior.
const DefaultResponseFileLimit = 8100

var responseFileCounter uint64

// commandLineLength returns the length of program and args as they would
// appear on a single rendered command line (quoted, space-separated),
// which is what actually hits the OS limit.
func commandLineLength(program string, args []string) int {
	n := len(program)
	for _, a := range args {
		n += 1 + len(quoteResponseFileArg(a))
	}
	return n
}

// needsResponseFile reports whether program+args would exceed limit
// rendered as a single command line. limit <= 0 means
// DefaultResponseFileLimit.
func needsResponseFile(program string, args []string, limit int) bool {
	if limit <= 0 {
		limit = DefaultResponseFileLimit
	}
	return commandLineLength(program, args) > limit
}

// writeResponseFile writes args to a new file under dir, one per line,
// each double-quoted with backslashes and inner quotes escaped, and
// returns the file's path. The caller is responsible for removing it
// after the child process exits.
func writeResponseFile(dir string, args []string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &IoError{Path: dir, Op: "mkdir", Err: err}
	}

	n := atomic.AddUint64(&responseFileCounter, 1)
	fn := filepath.Join(dir, "forge-"+strconv.FormatUint(n, 10)+".rsp")

	var b strings.Builder
	for _, a := range args {
		b.WriteString(quoteResponseFileArg(a))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(fn, []byte(b.String()), 0o644); err != nil {
		return "", &IoError{Path: fn, Op: "write", Err: err}
	}
	return fn, nil
}
