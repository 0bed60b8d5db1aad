//go:build !linux && !darwin

package platform

import "errors"

// FreeSpace is unsupported on this platform; callers treat the probe as
// advisory and skip it.
func FreeSpace(string) (int64, error) {
	return 0, errors.ErrUnsupported
}
