package cas

import (
	"errors"
	"os"
	"runtime"
)

// isCrossDevice reports whether err is the platform's "invalid
// cross-device link" error from a failed os.Rename, the one case where
// falling back to copy-then-delete is correct rather than surfacing a
// genuine filesystem failure.
func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return false
	}
	if runtime.GOOS == "windows" {
		return false
	}
	return linkErr.Err != nil && linkErr.Err.Error() == "invalid cross-device link"
}
