//go:build unix

// 本文件用于类 Unix 系统下读取进程可打开文件数上限
package sysinfo

import "golang.org/x/sys/unix"

func openFileLimit() uint64 {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0
	}
	return uint64(rl.Cur)
}
