//go:build darwin

package ledger

import (
	"time"

	"golang.org/x/sys/unix"
)

// birthTime returns the creation time of path when the filesystem records it.
func birthTime(path string) (time.Time, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return time.Time{}, false
	}
	if st.Birthtimespec.Sec == 0 {
		return time.Time{}, false
	}
	return time.Unix(st.Birthtimespec.Unix()), true
}
