//go:build !linux

package zbd

import "fmt"

// OpenBlockDevice requires the linux blkzoned interface. On other platforms
// only the in-memory backend is available.
func OpenBlockDevice(path string, readOnly bool) (Backend, error) {
	return nil, fmt.Errorf("zoned block devices require linux: %w", ErrNotSupported)
}
