package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Linux 上 POSIX 共享内存对象就是 tmpfs 上的普通文件
const devShm = "/dev/shm"

var (
	probeOnce  sync.Once
	defaultDir string
)

// DefaultDir 返回存放命名共享内存对象的目录
//
// 第一次调用时探测一次 /dev/shm 是否可用，结果在整个进程中保持不变
// 不可用时（例如 macOS）退回到 os.TempDir()
func DefaultDir() string {
	probeOnce.Do(func() {
		defaultDir = probe()
	})
	return defaultDir
}

func probe() string {
	finfo, err := os.Stat(devShm)
	if err == nil && finfo.IsDir() && unix.Access(devShm, unix.W_OK) == nil {
		return devShm
	}
	return os.TempDir()
}

// Path 把一个整数标识符映射为 dir 目录下的对象路径
func Path(dir string, key int) string {
	return filepath.Join(dir, fmt.Sprintf("shmkv.%d", key))
}
