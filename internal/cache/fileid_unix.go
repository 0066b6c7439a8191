//go:build unix

package cache

import (
	"io/fs"
	"syscall"
)

// fileID returns the device and inode behind info, or zeros when info does
// not come from a stat call.
func fileID(info fs.FileInfo) (uint64, uint64) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return 0, 0
	}
	return uint64(st.Dev), uint64(st.Ino)
}
