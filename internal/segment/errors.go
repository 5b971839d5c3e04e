package segment

import "errors"

var (
	// 操作系统拒绝创建或挂载、容量非法或者与已有区域的大小不一致
	ErrAttach = errors.New("shmkv: attach failed")

	// 在 Open 之前或者 Detach 之后调用
	ErrInvalidState = errors.New("shmkv: invalid state")

	ErrNotFound      = errors.New("shmkv: key not found")
	ErrOutOfSpace    = errors.New("shmkv: out of space")
	ErrValueTooLarge = errors.New("shmkv: value too large")

	// 区域已经被某个打开者 Destroy 了
	ErrSegmentGone = errors.New("shmkv: segment removed")

	// 头部魔数不对或者目录项越界、重叠
	ErrCorruptDirectory = errors.New("shmkv: corrupt directory")

	// 键等于目录中表示空项的哨兵值
	ErrInvalidKey = errors.New("shmkv: invalid key")
)
