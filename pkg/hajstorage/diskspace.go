package hajstorage

import (
	"golang.org/x/sys/unix"
)

// free bytes available to unprivileged users on the filesystem holding path
func availableSpace(path string) (int64, error) {
	stat := unix.Statfs_t{}
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
