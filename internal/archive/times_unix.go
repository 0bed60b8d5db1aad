//go:build linux || darwin

package archive

import (
	"time"

	"golang.org/x/sys/unix"
)

// restoreLinkTimes sets the mtime on a symlink itself without following it.
func restoreLinkTimes(path string, modTime time.Time) {
	ts := []unix.Timespec{
		unix.NsecToTimespec(modTime.UnixNano()),
		unix.NsecToTimespec(modTime.UnixNano()),
	}
	_ = unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
}
