package builder

import (
	"bytes"
	"os"

	"github.com/google/renameio"
)

// WriteOnce creates path with contents data and fails if path already
// exists, so a command never silently overwrites output another command
// already produced this run.
func WriteOnce(path string, data []byte, perm os.FileMode) error {
	if _, err := os.Lstat(path); err == nil {
		return &IoError{Path: path, Op: "write_once", Err: os.ErrExist}
	} else if !os.IsNotExist(err) {
		return &IoError{Path: path, Op: "lstat", Err: err}
	}
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return &IoError{Path: path, Op: "write_once", Err: err}
	}
	return nil
}

// WriteSafe atomically replaces path with data, via a temp file renamed
// into place, so readers never observe a partially written file. Unlike
// WriteOnce it is fine for path to already exist.
func WriteSafe(path string, data []byte, perm os.FileMode) error {
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return &IoError{Path: path, Op: "write_safe", Err: err}
	}
	return nil
}

// ReplaceOnce rewrites path atomically only if its current contents
// differ from data, avoiding a spurious mtime bump (and the resulting
// cascade of "changed" outdatedness) when a command regenerates
// byte-identical output.
func ReplaceOnce(path string, data []byte, perm os.FileMode) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, &IoError{Path: path, Op: "read", Err: err}
	}
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return false, &IoError{Path: path, Op: "replace_once", Err: err}
	}
	return true, nil
}

// PushFrontOnce prepends data to the file at path, atomically, appending
// the prior content unchanged. Used for response-file-style aggregation
// where a generator accumulates lines contributed across several commands
// and order of contribution must be reversed.
func PushFrontOnce(path string, data []byte, perm os.FileMode) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return &IoError{Path: path, Op: "read", Err: err}
	}
	combined := make([]byte, 0, len(data)+len(existing))
	combined = append(combined, data...)
	combined = append(combined, existing...)
	if err := renameio.WriteFile(path, combined, perm); err != nil {
		return &IoError{Path: path, Op: "push_front_once", Err: err}
	}
	return nil
}

// PushBackOnce appends data to the file at path, atomically.
func PushBackOnce(path string, data []byte, perm os.FileMode) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return &IoError{Path: path, Op: "read", Err: err}
	}
	combined := make([]byte, 0, len(data)+len(existing))
	combined = append(combined, existing...)
	combined = append(combined, data...)
	if err := renameio.WriteFile(path, combined, perm); err != nil {
		return &IoError{Path: path, Op: "push_back_once", Err: err}
	}
	return nil
}
