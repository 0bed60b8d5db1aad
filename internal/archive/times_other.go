//go:build !linux && !darwin

package archive

import "time"

// Symlink timestamps are left as created on platforms without
// AT_SYMLINK_NOFOLLOW utimens support.
func restoreLinkTimes(_ string, _ time.Time) {}
