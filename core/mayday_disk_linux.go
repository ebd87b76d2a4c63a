//go:build linux

package core

import "golang.org/x/sys/unix"

// diskFreeMBImpl reports free space under dir in megabytes using statfs.
func diskFreeMBImpl(dir string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize) / (1024 * 1024), nil
}
