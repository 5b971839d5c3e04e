package shm

import (
	"errors"
	"fmt"
	"os"

	"github.com/tysonmote/gommap"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrSizeMismatch = errors.New("region exists with a different size")
	ErrInvalidSize  = errors.New("invalid region size")
	ErrClosed       = errors.New("region is closed")
)

// 打开对象后如果发现它在加锁之前被其他进程 unlink 了
// 就重新打开一次，最多尝试这么多次
const maxOpenAttempts = 3

// Region 是一块命名共享内存
//
// 底层是 dir 目录下的一个文件，使用 MAP_SHARED 映射到本进程的地址空间
// 所有打开同一个名字的进程看到的是同一组物理页
//
// 进程间的互斥使用文件上的 flock(2) 建议锁实现
// flock 锁属于打开的文件描述（open file description）
// 所以同一个进程中的两个 Region 也会像两个进程一样互相等待
type Region struct {
	// 对象的完整路径
	name string

	// 对象对应的文件，锁也加在它上面
	file *os.File

	// 成员 file 的内存映射
	mmap gommap.MMap

	// 区域大小，创建后不再改变
	size int64

	// 本次 Open 是否新建了这个对象
	created bool

	logger *zap.Logger
}

// Open 打开名为 name 的共享内存对象，不存在时以 size 字节和 perm 权限创建它
//
// 返回时调用方持有这个对象的排他锁
// 这样新建者可以在其他打开者看到之前完成初始化，已存在时调用方也可以安全地校验内容
// 调用方完成后必须调用 Unlock
func Open(name string, size int64, perm os.FileMode, logger *zap.Logger) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if logger == nil {
		logger = zap.L().Named("shm")
	}
	for attempt := 1; ; attempt++ {
		r, retry, err := open(name, size, perm, logger)
		if err != nil {
			return nil, err
		}
		if !retry {
			return r, nil
		}
		if attempt >= maxOpenAttempts {
			return nil, fmt.Errorf("open %s: removed concurrently %d times", name, attempt)
		}
		logger.Debug("region removed while attaching, retrying",
			zap.String("name", name),
			zap.Int("attempt", attempt),
		)
	}
}

func open(name string, size int64, perm os.FileMode, logger *zap.Logger) (_ *Region, retry bool, err error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, false, err
	}
	r := &Region{name: name, file: f, logger: logger}

	if err = r.Lock(); err != nil {
		return nil, false, multierr.Append(err, f.Close())
	}

	// 只要出错或者需要重试，就释放锁并关闭文件
	defer func() {
		if err != nil || retry {
			err = multierr.Combine(err, r.Unlock(), f.Close())
		}
	}()

	var st unix.Stat_t
	if err = unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, false, err
	}
	// 我们打开它之后、加锁之前，它被其他进程 destroy 了
	if st.Nlink == 0 {
		return nil, true, nil
	}

	switch {
	case st.Size == 0:
		// 新对象
		// umask 会影响 OpenFile 中的权限位，这里显式设置一次
		if err = f.Chmod(perm); err != nil {
			return nil, false, err
		}
		if err = f.Truncate(size); err != nil {
			return nil, false, err
		}
		r.created = true
	case st.Size != size:
		return nil, false, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, name, st.Size, size)
	}
	r.size = size

	// 进行内存映射
	// 其他打开者必须能看到我们的写入，所以使用共享映射
	if r.mmap, err = gommap.Map(
		f.Fd(),
		gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED); err != nil {
		return nil, false, err
	}

	logger.Debug("region mapped",
		zap.String("name", name),
		zap.Int64("size", size),
		zap.Bool("created", r.created),
	)
	return r, false, nil
}

func (r *Region) Name() string  { return r.name }
func (r *Region) Size() int64   { return r.size }
func (r *Region) Created() bool { return r.created }

// Bytes 返回整块映射区域，关闭之后返回 nil
func (r *Region) Bytes() []byte {
	return r.mmap
}

// Lock 获取排他锁，可能阻塞
func (r *Region) Lock() error {
	return r.flock(unix.LOCK_EX)
}

// RLock 获取共享锁，可能阻塞
func (r *Region) RLock() error {
	return r.flock(unix.LOCK_SH)
}

func (r *Region) Unlock() error {
	return r.flock(unix.LOCK_UN)
}

func (r *Region) flock(how int) error {
	if r.file == nil {
		return ErrClosed
	}
	for {
		err := unix.Flock(int(r.file.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

// Removed 报告对象是否已经从命名空间中删除
// 映射仍然有效，直到本进程关闭它
func (r *Region) Removed() (bool, error) {
	if r.file == nil {
		return false, ErrClosed
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(r.file.Fd()), &st); err != nil {
		return false, err
	}
	return st.Nlink == 0, nil
}

// Unlink 从命名空间中删除这个对象
// 已经映射了它的进程不受影响，之后用同一个名字 Open 会得到一个新对象
func (r *Region) Unlink() error {
	err := os.Remove(r.name)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Close 解除映射并关闭文件，不影响其他打开者和对象本身
func (r *Region) Close() error {
	if r.file == nil {
		return nil
	}
	var err error
	if r.mmap != nil {
		// /dev/shm 之外的目录下对象是真正的文件，需要同步一次
		err = multierr.Append(err, r.mmap.Sync(gommap.MS_SYNC))
		err = multierr.Append(err, r.mmap.UnsafeUnmap())
		r.mmap = nil
	}
	err = multierr.Append(err, r.file.Close())
	r.file = nil
	return err
}
