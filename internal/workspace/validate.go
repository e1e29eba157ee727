package workspace

import (
	"path/filepath"
	"strings"
)

// IsValidFilename reports whether name is exactly one normal path component.
// It rejects empty names, "." and "..", anything containing a separator
// (either slash flavour, regardless of platform), absolute paths, volume
// prefixes and NUL bytes.
func IsValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.IndexByte(name, 0) >= 0 {
		return false
	}
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return false
	}
	return filepath.Base(name) == name
}
