//go:build !linux && !darwin

package ledger

import "time"

// birthTime is unavailable on this platform; callers fall back to mtime.
func birthTime(path string) (time.Time, bool) {
	return time.Time{}, false
}
