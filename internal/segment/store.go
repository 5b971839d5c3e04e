package segment

import "fmt"

// store 是数据区在映射内存上的视图
// 目录之后、区域末尾之前的所有字节都属于数据区
type store struct {
	mmap []byte

	// 数据区在整个区域中的起止位置
	base uint32
	end  uint32
}

func newStore(region []byte, base uint32) *store {
	return &store{
		mmap: region,
		base: base,
		end:  uint32(len(region)),
	}
}

func (s *store) Size() uint32 {
	return s.end - s.base
}

// Read 返回记录指向的字节的副本
// 映射的内存随时可能被其他打开者改写，所以不能把它直接交给调用方
func (s *store) Read(r Record) ([]byte, error) {
	if r.Length == 0 {
		return []byte{}, nil
	}
	if r.Offset < s.base || r.end() > uint64(s.end) {
		return nil, fmt.Errorf("%w: key %d at [%d, %d) outside data area",
			ErrCorruptDirectory, r.Key, r.Offset, r.end())
	}
	b := make([]byte, r.Length)
	copy(b, s.mmap[r.Offset:r.end()])
	return b, nil
}

func (s *store) Write(off uint32, b []byte) {
	copy(s.mmap[off:], b)
}
