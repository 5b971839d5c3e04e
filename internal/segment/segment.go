package segment

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/youngfr/shmkv/internal/shm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State 是一个 Segment 句柄所处的状态
//
//	Detached --Open--> Attached --Detach--> Detached
//	                   Attached --Destroy-> Removed
//
// 只有 Attached 状态下才能读写
type State int32

const (
	Detached State = iota
	Attached
	Removed
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attached:
		return "attached"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Segment 是一块共享内存区域的句柄，区域中保存着从整数键到字节串的映射
//
// 一个句柄可以被多个 goroutine 同时使用
// 多个进程（或者同一进程中的多个句柄）也可以同时打开同一个标识符
type Segment struct {
	// 保护 region 不在使用过程中被 Detach 关闭
	// 同时避免同一个句柄上的多个 goroutine 互相转换 flock 锁
	mu sync.RWMutex

	state atomic.Int32

	key    int
	region *shm.Region

	// 下面三个视图都指向 region 的映射内存
	header header
	index  *index
	store  *store

	config Config
	logger *zap.Logger
}

// Stats 是某一时刻区域的使用情况
type Stats struct {
	Capacity   uint64 // 整个区域的字节数
	DataSize   uint64 // 数据区的字节数
	Used       uint64 // 存活的值占用的字节数
	Free       uint64 // 空闲字节数
	Largest    uint32 // 最长的空闲区间
	Entries    int    // 存活的键数
	Slots      uint32 // 目录项总数
	Generation uint32 // 每次修改递增
}

// Open 挂载标识符 key 对应的共享内存区域，不存在时按 c 创建它
func Open(key int, c Config) (*Segment, error) {
	if c.Logger == nil {
		c.Logger = zap.L().Named("segment")
	}
	if c.Dir == "" {
		c.Dir = shm.DefaultDir()
	}
	if c.Segment.Perm == 0 {
		c.Segment.Perm = defaultPerm
	}
	logger := c.Logger.With(zap.Int("key", key))

	if key <= 0 {
		return nil, fmt.Errorf("%w: identifier must be positive, got %d", ErrAttach, key)
	}
	capacity := c.Segment.Capacity
	// 任何区域至少要放得下头部和一个目录项
	if capacity <= headerSize+entrySize || capacity > math.MaxUint32 {
		return nil, fmt.Errorf("%w: invalid capacity %d", ErrAttach, capacity)
	}
	// 只有新建区域时才使用这里的目录项个数，已有区域以头部为准
	if c.Segment.Slots == 0 {
		c.Segment.Slots = defaultSlots(capacity)
	}

	name := shm.Path(c.Dir, key)
	region, err := shm.Open(name, capacity, c.Segment.Perm, c.Logger.Named("shm"))
	if err != nil {
		logger.Warn("attach failed", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrAttach, name, err)
	}

	s := &Segment{
		key:    key,
		region: region,
		header: header(region.Bytes()[:headerSize]),
		config: c,
		logger: logger,
	}

	// shm.Open 返回时我们持有排他锁
	if err = s.setup(); err != nil {
		logger.Error("segment rejected", zap.String("name", name), zap.Error(err))
		if s.region.Created() {
			// 新建的对象还没有初始化，不能留给其他打开者
			err = multierr.Append(err, region.Unlink())
		}
		return nil, multierr.Combine(err, region.Unlock(), region.Close())
	}
	if err = region.Unlock(); err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: unlock %s: %v", ErrAttach, name, err), region.Close())
	}

	s.state.Store(int32(Attached))
	logger.Info("segment attached",
		zap.String("name", name),
		zap.Int64("capacity", capacity),
		zap.Uint32("slots", s.index.slots),
		zap.Bool("created", region.Created()),
	)
	return s, nil
}

func (s *Segment) setup() error {
	b := s.region.Bytes()

	// 新建的区域：目录全部置空，最后写入头部
	if s.region.Created() {
		slots := s.config.Segment.Slots
		if err := checkOverhead(int64(len(b)), slots); err != nil {
			return err
		}
		s.index = newIndex(b, slots)
		s.index.Reset()
		s.header.format(uint64(len(b)), slots)
		s.store = newStore(b, headerSize+slots*entrySize)
		return nil
	}

	// 已经存在的区域：目录项个数以头部为准
	if err := s.header.validate(int64(len(b))); err != nil {
		return err
	}
	slots := s.header.slots()
	s.index = newIndex(b, slots)
	s.store = newStore(b, headerSize+slots*entrySize)

	records := s.index.Records()
	if _, err := newFreeList(s.store.base, s.store.end, records); err != nil {
		return err
	}
	seen := make(map[uint32]struct{}, len(records))
	for _, r := range records {
		if _, ok := seen[r.Key]; ok {
			return fmt.Errorf("%w: key %d appears more than once", ErrCorruptDirectory, r.Key)
		}
		seen[r.Key] = struct{}{}
	}
	if n := uint32(len(records)); n != s.header.count() {
		return fmt.Errorf("%w: header counts %d entries, directory has %d",
			ErrCorruptDirectory, s.header.count(), n)
	}
	return nil
}

// 容量必须放得下头部、整个目录和至少一个字节的数据区
func checkOverhead(capacity int64, slots uint32) error {
	if overhead := headerSize + int64(slots)*entrySize; overhead >= capacity {
		return fmt.Errorf("%w: capacity %d cannot hold header and %d directory entries (%d bytes)",
			ErrAttach, capacity, slots, overhead)
	}
	return nil
}

func (s *Segment) Key() int     { return s.key }
func (s *Segment) Name() string { return shm.Path(s.config.Dir, s.key) }
func (s *Segment) State() State { return State(s.state.Load()) }

func (s *Segment) stateErr() error {
	switch st := s.State(); st {
	case Attached:
		return nil
	case Removed:
		return ErrSegmentGone
	default:
		return fmt.Errorf("%w: segment %d is %s", ErrInvalidState, s.key, st)
	}
}

// view 在共享锁下执行 fn
func (s *Segment) view(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked(false, fn)
}

// update 在排他锁下执行 fn
func (s *Segment) update(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked(true, fn)
}

func (s *Segment) locked(exclusive bool, fn func() error) error {
	if err := s.stateErr(); err != nil {
		return err
	}

	lock := s.region.RLock
	if exclusive {
		lock = s.region.Lock
	}
	if err := lock(); err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrInvalidState, s.region.Name(), err)
	}
	defer func() {
		if err := s.region.Unlock(); err != nil {
			s.logger.Warn("unlock failed", zap.Error(err))
		}
	}()

	// 其他打开者已经 Destroy 了这个区域
	if s.header.removed() {
		s.state.Store(int32(Removed))
		s.logger.Info("segment removed by another attacher")
		return ErrSegmentGone
	}
	return fn()
}

// Get 返回 key 对应的值的副本
func (s *Segment) Get(key uint32) ([]byte, error) {
	var b []byte
	err := s.view(func() (err error) {
		b, err = s.get(key)
		return err
	})
	return b, err
}

func (s *Segment) get(key uint32) ([]byte, error) {
	if key == emptyKey {
		return nil, ErrInvalidKey
	}
	_, r, ok := s.index.Find(key)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, key)
	}
	return s.store.Read(r)
}

// Set 保存 key 对应的值
//
// 已经存在的旧值先被释放，新值总是写到一段新分配的空间中而不是原地覆盖
// 空间不足时目录保持不变，旧值仍然可以读到
func (s *Segment) Set(key uint32, value []byte) error {
	return s.update(func() error {
		return s.set(key, value)
	})
}

func (s *Segment) set(key uint32, value []byte) error {
	if key == emptyKey {
		return ErrInvalidKey
	}
	if uint64(len(value)) > s.header.capacity() {
		return fmt.Errorf("%w: %d bytes exceeds capacity %d", ErrValueTooLarge, len(value), s.header.capacity())
	}

	free, err := newFreeList(s.store.base, s.store.end, s.index.Records())
	if err != nil {
		return err
	}

	slot, old, found := s.index.Find(key)
	if found {
		free.Release(old.Offset, old.Length)
	} else {
		var ok bool
		if slot, ok = s.index.FreeSlot(); !ok {
			s.logger.Warn("directory full", zap.Uint32("slots", s.index.slots))
			return fmt.Errorf("%w: all %d directory entries in use", ErrOutOfSpace, s.index.slots)
		}
	}

	n := uint32(len(value))
	off := s.store.base
	if n > 0 {
		var ok bool
		if off, ok = free.Alloc(n); !ok {
			s.logger.Warn("allocation failed",
				zap.Int("size", len(value)),
				zap.Uint64("free", free.Free()),
				zap.Uint32("largest", free.Largest()),
			)
			return fmt.Errorf("%w: no free span of %d bytes (largest %d)", ErrOutOfSpace, n, free.Largest())
		}
	}

	// 从这里开始不会再失败
	// 先让旧的目录项失效，再写数据，最后写新的目录项
	if found {
		s.index.Erase(slot)
	} else {
		s.header.setCount(s.header.count() + 1)
	}
	s.store.Write(off, value)
	s.index.Write(slot, Record{Key: key, Offset: off, Length: n})
	s.header.bump()
	return nil
}

// Delete 删除 key，key 不存在时返回 false
func (s *Segment) Delete(key uint32) (bool, error) {
	var deleted bool
	err := s.update(func() (err error) {
		deleted, err = s.delete(key)
		return err
	})
	return deleted, err
}

func (s *Segment) delete(key uint32) (bool, error) {
	if key == emptyKey {
		return false, ErrInvalidKey
	}
	slot, _, ok := s.index.Find(key)
	if !ok {
		return false, nil
	}
	// 目录项删掉之后它占用的空间自然就是空闲的了
	s.index.Erase(slot)
	s.header.setCount(s.header.count() - 1)
	s.header.bump()
	return true, nil
}

func (s *Segment) Exists(key uint32) (bool, error) {
	var ok bool
	err := s.view(func() error {
		if key == emptyKey {
			return ErrInvalidKey
		}
		_, _, ok = s.index.Find(key)
		return nil
	})
	return ok, err
}

// Update 在同一次排他锁内读出旧值并写入 fn 返回的新值
// fn 返回 nil 表示删除这个键，返回错误时区域保持不变
func (s *Segment) Update(key uint32, fn func(old []byte, ok bool) ([]byte, error)) error {
	return s.update(func() error {
		old, err := s.get(key)
		ok := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		value, err := fn(old, ok)
		if err != nil {
			return err
		}
		if value == nil {
			_, err = s.delete(key)
			return err
		}
		return s.set(key, value)
	})
}

// Keys 返回所有存活的键，从小到大排序
func (s *Segment) Keys() ([]uint32, error) {
	var keys []uint32
	err := s.view(func() error {
		records := s.index.Records()
		keys = make([]uint32, 0, len(records))
		for _, r := range records {
			keys = append(keys, r.Key)
		}
		return nil
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, err
}

func (s *Segment) Len() (int, error) {
	var n int
	err := s.view(func() error {
		n = int(s.header.count())
		return nil
	})
	return n, err
}

func (s *Segment) Stats() (Stats, error) {
	var st Stats
	err := s.view(func() error {
		records := s.index.Records()
		free, err := newFreeList(s.store.base, s.store.end, records)
		if err != nil {
			return err
		}
		st = Stats{
			Capacity:   s.header.capacity(),
			DataSize:   uint64(s.store.Size()),
			Free:       free.Free(),
			Largest:    free.Largest(),
			Entries:    len(records),
			Slots:      s.index.slots,
			Generation: s.header.generation(),
		}
		st.Used = st.DataSize - st.Free
		return nil
	})
	return st, err
}

// Clear 删除所有键，区域本身仍然存在
func (s *Segment) Clear() error {
	return s.update(func() error {
		s.index.Reset()
		s.header.setCount(0)
		s.header.bump()
		s.logger.Debug("segment cleared")
		return nil
	})
}

// Destroy 从操作系统中删除这个区域
// 之后这个句柄以及其他所有打开者上的操作都返回 ErrSegmentGone
// 本句柄持有的映射同时被释放
func (s *Segment) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unlinkErr error
	err := s.locked(true, func() error {
		// 先清零魔数，这样即使 unlink 失败其他打开者也不会再使用它
		s.header.markRemoved()
		unlinkErr = s.region.Unlink()
		return nil
	})
	if err != nil && !errors.Is(err, ErrSegmentGone) {
		return err
	}

	s.state.Store(int32(Removed))
	if cerr := s.region.Close(); cerr != nil {
		s.logger.Warn("close after destroy failed", zap.Error(cerr))
	}
	if err != nil {
		return err
	}
	if unlinkErr != nil {
		s.logger.Error("unlink failed", zap.String("name", s.region.Name()), zap.Error(unlinkErr))
		return fmt.Errorf("unlink %s: %w", s.region.Name(), unlinkErr)
	}
	s.logger.Info("segment destroyed", zap.String("name", s.region.Name()))
	return nil
}

// Detach 释放本句柄的映射，不影响其他打开者和区域本身
// 重复调用是安全的
func (s *Segment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Attached {
		s.state.Store(int32(Detached))
	}
	// 零值的 Segment 从来没有挂载过
	if s.region == nil {
		return nil
	}
	if err := s.region.Close(); err != nil {
		return fmt.Errorf("detach %s: %w", s.region.Name(), err)
	}
	s.logger.Debug("segment detached")
	return nil
}
