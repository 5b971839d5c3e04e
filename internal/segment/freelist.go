package segment

import (
	"fmt"
	"sort"
)

// span 是数据区中一段连续的空闲字节
type span struct {
	off uint32
	len uint32
}

func (s span) end() uint64 {
	return uint64(s.off) + uint64(s.len)
}

// freeList 记录数据区中所有的空闲区间
//
// 区间按起始位置从小到大排序，并且任意两个区间都不相邻
// 相邻的区间在释放时就会被合并成一个
//
// 空闲区间不持久化在共享内存中，每次修改前都从目录重新计算
// 数据区中不属于任何目录项的部分就是空闲的
type freeList struct {
	spans []span
}

// newFreeList 根据目录中的记录计算数据区 [base, end) 中的空闲区间
// 记录越界或者互相重叠时返回 ErrCorruptDirectory
func newFreeList(base, end uint32, used []Record) (*freeList, error) {
	records := make([]Record, 0, len(used))
	for _, r := range used {
		// 长度为零的值不占用空间
		if r.Length == 0 {
			continue
		}
		if r.Offset < base || r.end() > uint64(end) {
			return nil, fmt.Errorf("%w: key %d at [%d, %d) outside data area [%d, %d)",
				ErrCorruptDirectory, r.Key, r.Offset, r.end(), base, end)
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Offset < records[j].Offset
	})

	f := &freeList{spans: make([]span, 0)}
	pos := base
	for _, r := range records {
		if r.Offset < pos {
			return nil, fmt.Errorf("%w: key %d at %d overlaps previous record ending at %d",
				ErrCorruptDirectory, r.Key, r.Offset, pos)
		}
		if r.Offset > pos {
			f.spans = append(f.spans, span{off: pos, len: r.Offset - pos})
		}
		pos = uint32(r.end())
	}
	if pos < end {
		f.spans = append(f.spans, span{off: pos, len: end - pos})
	}
	return f, nil
}

// Alloc 按首次适应策略分配 n 个字节
// 返回第一个（起始位置最小的）长度不小于 n 的空闲区间的起始位置
func (f *freeList) Alloc(n uint32) (uint32, bool) {
	for i, s := range f.spans {
		if s.len < n {
			continue
		}
		if s.len == n {
			f.spans = append(f.spans[:i], f.spans[i+1:]...)
		} else {
			f.spans[i] = span{off: s.off + n, len: s.len - n}
		}
		return s.off, true
	}
	return 0, false
}

// Release 把 [off, off+n) 归还给空闲列表，并与前后相邻的空闲区间合并
func (f *freeList) Release(off, n uint32) {
	if n == 0 {
		return
	}
	// 第一个起始位置大于 off 的区间
	i := sort.Search(len(f.spans), func(i int) bool {
		return f.spans[i].off > off
	})

	s := span{off: off, len: n}
	// 与后一个区间相邻
	if i < len(f.spans) && s.end() == uint64(f.spans[i].off) {
		s.len += f.spans[i].len
		f.spans = append(f.spans[:i], f.spans[i+1:]...)
	}
	// 与前一个区间相邻
	if i > 0 && f.spans[i-1].end() == uint64(s.off) {
		f.spans[i-1].len += s.len
		return
	}

	f.spans = append(f.spans, span{})
	copy(f.spans[i+1:], f.spans[i:])
	f.spans[i] = s
}

// Free 返回空闲字节总数
func (f *freeList) Free() uint64 {
	var total uint64
	for _, s := range f.spans {
		total += uint64(s.len)
	}
	return total
}

// Largest 返回最长的空闲区间的长度，也就是当前能存下的最大的值
func (f *freeList) Largest() uint32 {
	var largest uint32
	for _, s := range f.spans {
		if s.len > largest {
			largest = s.len
		}
	}
	return largest
}
