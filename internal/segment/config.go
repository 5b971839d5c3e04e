package segment

import (
	"os"

	"go.uber.org/zap"
)

type Config struct {
	// 存放命名对象的目录，为空时使用 shm.DefaultDir()
	Dir string

	Segment struct {
		Capacity int64       // 整个区域的字节数，包括头部和目录
		Slots    uint32      // 目录项个数，为零时根据 Capacity 计算
		Perm     os.FileMode // 新建时使用的权限位
	}

	Logger *zap.Logger
}

const (
	defaultPerm = 0666

	// 平均每个值按 64 字节估算目录项个数
	bytesPerSlot = 64
	minSlots     = 8
	maxSlots     = 4096
)

func defaultSlots(capacity int64) uint32 {
	n := capacity / bytesPerSlot
	if n < minSlots {
		return minSlots
	}
	if n > maxSlots {
		return maxSlots
	}
	return uint32(n)
}
