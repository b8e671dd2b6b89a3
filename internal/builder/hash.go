package builder

import (
	"crypto/sha256"
	"encoding/binary"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// normalizePath canonicalizes a path for use as a FileStore/generator key.
// On case-insensitive filesystems (Windows) paths are additionally
// lower-cased, matching registerFile's normalize_path+to_lower treatment
// in the original file storage.
func normalizePath(p string) string {
	p = filepath.Clean(p)
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

// hashString returns the 64-bit FNV-1a hash of s, used for combining
// strings into a fingerprint.
func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// hashCombine folds x into the running hash h, in the spirit of
// boost::hash_combine: order-sensitive, cheap, good enough avalanche for
// fingerprinting purposes.
func hashCombine(h, x uint64) uint64 {
	return h ^ (x + 0x9e3779b97f4a7c15 + (h << 6) + (h >> 2))
}

// hashFileContents returns a content hash of the file at path, folded to
// 64 bits. Used by Command.FilesHash to detect content changes.
func hashFileContents(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8]), nil
}
