// Package shmkv 在一块命名的操作系统共享内存中保存以小整数为键的字节串
//
// 任意多个进程都可以 Open 同一个标识符并看到同一组键
// 写操作持有区域的进程间排他锁，读操作持有共享锁
// 所以一次 Set 或 Delete 完成之后，其他所有打开者都能看到它的结果
//
//	s, err := shmkv.Open(42, 4096, 0600)
//	if err != nil {
//		return err
//	}
//	defer s.Detach()
//	err = s.Set(1, []byte("a"))
package shmkv

import (
	"encoding/json"
	"os"

	"github.com/youngfr/shmkv/internal/segment"
	"go.uber.org/zap"
)

type (
	Store = segment.Segment
	Stats = segment.Stats
	State = segment.State
)

const (
	Detached = segment.Detached
	Attached = segment.Attached
	Removed  = segment.Removed
)

// 对外暴露的 sentinel errors，调用方使用 errors.Is 判断
var (
	ErrAttach           = segment.ErrAttach
	ErrInvalidState     = segment.ErrInvalidState
	ErrNotFound         = segment.ErrNotFound
	ErrOutOfSpace       = segment.ErrOutOfSpace
	ErrValueTooLarge    = segment.ErrValueTooLarge
	ErrSegmentGone      = segment.ErrSegmentGone
	ErrCorruptDirectory = segment.ErrCorruptDirectory
	ErrInvalidKey       = segment.ErrInvalidKey
)

type Option func(*segment.Config)

// WithDir 把命名对象放在 dir 目录下，而不是探测到的默认目录（通常是 /dev/shm）
func WithDir(dir string) Option {
	return func(c *segment.Config) { c.Dir = dir }
}

// WithSlots 指定新建区域的目录项个数，挂载已有区域时不起作用
func WithSlots(n uint32) Option {
	return func(c *segment.Config) { c.Segment.Slots = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *segment.Config) { c.Logger = l }
}

// Open 挂载标识符 key 对应的区域，不存在时以 capacity 字节和 perm 权限创建它
func Open(key int, capacity int64, perm os.FileMode, opts ...Option) (*Store, error) {
	var c segment.Config
	c.Segment.Capacity = capacity
	c.Segment.Perm = perm
	for _, opt := range opts {
		opt(&c)
	}
	return segment.Open(key, c)
}

// SetValue 把 v 编码为 JSON 后保存在 key 下
func SetValue(s *Store, key uint32, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, b)
}

// GetValue 把 key 下保存的 JSON 解码到 v 中
func GetValue(s *Store, key uint32, v any) error {
	b, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
